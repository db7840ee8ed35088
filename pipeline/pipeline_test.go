package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tootbot/tootbot/common"
	"github.com/tootbot/tootbot/history"
	"github.com/tootbot/tootbot/notify"
	"github.com/tootbot/tootbot/policy"
	"github.com/tootbot/tootbot/publisher"
	"github.com/tootbot/tootbot/publisher/sink"
)

type staticSource struct {
	cands   []common.Candidate
	err     error
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (s *staticSource) Fetch(ctx context.Context, _ string, _ common.SortMode, _ int) ([]common.Candidate, error) {
	if s.block != nil {
		s.once.Do(func() { close(s.started) })
		<-s.block
	}
	return s.cands, s.err
}

func newFileStore(t *testing.T) *history.FileStore {
	t.Helper()
	store, err := history.OpenFile(t.TempDir() + "/cache.csv")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newPipeline(t *testing.T, src *staticSource, store *history.FileStore, dests ...*sink.MockDestination) *Pipeline {
	t.Helper()
	filter, err := policy.NewFilter(policy.Config{SkipStickied: true, GetMedia: true, GetVideos: true})
	require.NoError(t, err)

	targets := make([]*publisher.Target, 0, len(dests))
	for _, d := range dests {
		targets = append(targets, &publisher.Target{Destination: d, PostNSFW: false, PostSpoilers: true, Timeout: time.Second})
	}
	coord, err := publisher.NewCoordinator(publisher.CoordinatorConfig{Targets: targets, Store: store})
	require.NoError(t, err)

	return New(Config{Subreddit: "aww", Sort: common.SortHot, Limit: 10}, src, store, filter, coord)
}

func TestRunOncePublishesAndCommits(t *testing.T) {
	store := newFileStore(t)
	a := &sink.MockDestination{DestName: "a"}
	src := &staticSource{cands: []common.Candidate{
		{ID: "sticky", Title: "Rules", Flags: common.Flags{Stickied: true}},
		{ID: "post1", Title: "A cat"},
		{ID: "post2", Title: "A dog"},
	}}
	p := newPipeline(t, src, store, a)

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, report.Outcome)
	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, "post1", report.Selection.Candidate.ID)
	require.Equal(t, 1, a.Count())

	seen, err := store.Contains(context.Background(), "post1")
	require.NoError(t, err)
	assert.True(t, seen)

	// The next pass moves on to the next candidate
	report, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "post2", report.Selection.Candidate.ID)
}

func TestRunOnceFailedPublishLeavesCandidateEligible(t *testing.T) {
	store := newFileStore(t)
	a := &sink.MockDestination{DestName: "a"}
	b := &sink.MockDestination{DestName: "b", PublishErr: errors.New("timeout")}
	b2 := &sink.MockDestination{DestName: "b2", PublishErr: errors.New("timeout")}
	src := &staticSource{cands: []common.Candidate{{ID: "post1", Title: "A cat"}}}

	// Partial success commits
	p := newPipeline(t, src, store, a, b)
	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, report.Outcome)
	oa, _ := report.Result.Outcome("a")
	ob, _ := report.Result.Outcome("b")
	assert.Equal(t, publisher.StatusSuccess, oa.Status)
	assert.Equal(t, publisher.StatusFailed, ob.Status)

	// Total failure does not
	store2 := newFileStore(t)
	p = newPipeline(t, src, store2, b, b2)
	report, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, 0, store2.Len())

	report, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "post1", report.Selection.Candidate.ID, "failed candidate is retried")
}

func TestRunOnceExcludedEverywhereCommits(t *testing.T) {
	store := newFileStore(t)
	a := &sink.MockDestination{DestName: "a"}
	b := &sink.MockDestination{DestName: "b"}
	src := &staticSource{cands: []common.Candidate{{ID: "nsfw1", Title: "Hmm", Flags: common.Flags{NSFW: true}}}}

	p := newPipeline(t, src, store, a, b)
	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeExcluded, report.Outcome)
	assert.Equal(t, 1, store.Len())
	assert.Zero(t, a.Count())
}

func TestRunOnceNothingToDo(t *testing.T) {
	store := newFileStore(t)
	a := &sink.MockDestination{DestName: "a"}

	p := newPipeline(t, &staticSource{}, store, a)
	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNone, report.Outcome)
	assert.Nil(t, report.Result)

	require.NoError(t, store.Append(context.Background(), common.Record{ID: "old", PostedAt: time.Now()}))
	p = newPipeline(t, &staticSource{cands: []common.Candidate{{ID: "old", Title: "x"}}}, store, a)
	report, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNone, report.Outcome)
	assert.Equal(t, 1, report.Selection.Seen)
	assert.Equal(t, 1, store.Len())
}

func TestRunOnceSourceError(t *testing.T) {
	sortErr := &common.UnsupportedSortError{Sort: "random", Source: "r/aww"}
	p := newPipeline(t, &staticSource{err: sortErr}, newFileStore(t), &sink.MockDestination{DestName: "a"})

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, common.IsFatal(err))
}

func TestRunOnceIsNotReentrant(t *testing.T) {
	src := &staticSource{block: make(chan struct{}), started: make(chan struct{})}
	p := newPipeline(t, src, newFileStore(t), &sink.MockDestination{DestName: "a"})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := p.RunOnce(context.Background())
		assert.NoError(t, err)
	}()

	<-src.started
	_, err := p.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(src.block)
	wg.Wait()

	_, err = p.RunOnce(context.Background())
	assert.NoError(t, err)
}

func TestRunOnceSignalsNotifier(t *testing.T) {
	hub := notify.NewHub()
	events, cancel := hub.Subscribe(notify.Filter{})
	defer cancel()

	src := &staticSource{cands: []common.Candidate{{ID: "post1", Title: "A cat"}}}
	p := newPipeline(t, src, newFileStore(t), &sink.MockDestination{DestName: "a"})
	p.SetNotifier(hub)

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, "aww", ev.Subreddit)
	assert.Equal(t, OutcomePublished, ev.Outcome)
	assert.Equal(t, "post1", ev.CandidateID)

	src.cands, src.err = nil, errors.New("reddit returned 503")
	_, err = p.RunOnce(context.Background())
	require.Error(t, err)

	ev = <-events
	assert.Equal(t, "error", ev.Outcome)
	assert.Contains(t, ev.Error, "503")
}
