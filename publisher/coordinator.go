package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/common"
	"github.com/tootbot/tootbot/media"
	"github.com/tootbot/tootbot/policy"
	"github.com/tootbot/tootbot/telemetry"
)

// Committer is the write side of the history store
type Committer interface {
	Append(ctx context.Context, rec common.Record) error
}

// CoordinatorConfig configures a Coordinator
type CoordinatorConfig struct {
	Targets  []*Target
	Store    Committer
	Media    media.Acquirer // May be nil when media is disabled
	GetMedia bool
}

// Coordinator publishes a selected candidate to every target and decides
// whether the candidate is committed to history.
type Coordinator struct {
	targets  []*Target
	store    Committer
	media    media.Acquirer
	getMedia bool
	now      func() time.Time
}

// NewCoordinator creates a Coordinator
func NewCoordinator(config CoordinatorConfig) (*Coordinator, error) {
	if len(config.Targets) == 0 {
		return nil, fmt.Errorf("at least one destination is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if config.GetMedia && config.Media == nil {
		return nil, fmt.Errorf("media acquirer is required when media is enabled")
	}

	return &Coordinator{
		targets:  config.Targets,
		store:    config.Store,
		media:    config.Media,
		getMedia: config.GetMedia,
		now:      time.Now,
	}, nil
}

// Targets returns the configured targets
func (c *Coordinator) Targets() []*Target {
	return c.targets
}

// Publish sends cand to every target and settles all of them before deciding
// on the commit. The candidate is committed when at least one target
// succeeded or when every target skipped it. Media acquired for the candidate
// is released before Publish returns.
//
// The returned error is only set when the commit itself fails.
func (c *Coordinator) Publish(ctx context.Context, cand *common.Candidate, decision policy.Decision) (Result, error) {
	// Keyed by position: names are not guaranteed unique
	outcomes := xsync.NewMapOf[int, Outcome]()

	active := make([]int, 0, len(c.targets))
	for i, t := range c.targets {
		if reason := t.Excludes(cand); reason != "" {
			outcomes.Store(i, Outcome{Target: t.Name(), Status: StatusSkipped, Reason: reason})
			continue
		}
		active = append(active, i)
	}

	post := &Post{Candidate: *cand, TextOnly: decision.TextOnly || !c.getMedia}

	var mediaErr error
	if c.wantsMedia(cand, post.TextOnly, active) {
		post.Media, mediaErr = c.acquire(ctx, cand)
	}
	defer post.Media.Release()

	futures := make([]*future.Future[Outcome], 0, len(active))
	for _, i := range active {
		t := c.targets[i]
		if mediaErr != nil && t.UsesMedia() {
			outcomes.Store(i, Outcome{
				Target: t.Name(),
				Status: StatusFailed,
				Err:    fmt.Errorf("media unavailable: %w", mediaErr),
			})
			continue
		}

		p := future.NewPromise[Outcome]()
		futures = append(futures, p.Future())
		go func(i int, t *Target) {
			o := c.publishTo(ctx, t, post)
			outcomes.Store(i, o)
			p.Set(o, nil)
		}(i, t)
	}

	for _, f := range futures {
		f.Get()
	}

	result := Result{CandidateID: cand.ID, Outcomes: make([]Outcome, 0, len(c.targets))}
	skipped := 0
	for i := range c.targets {
		o, _ := outcomes.Load(i)
		telemetry.PublishOutcomesTotal.With(o.Target, string(o.Status)).Inc()
		switch o.Status {
		case StatusSuccess:
			result.Successes++
		case StatusSkipped:
			skipped++
		}
		result.Outcomes = append(result.Outcomes, o)
	}

	switch {
	case result.Successes > 0:
		result.Status = ResultPublished
	case skipped == len(c.targets):
		result.Status = ResultExcluded
	default:
		result.Status = ResultFailed
	}

	logResult(cand, result)

	if result.Status == ResultFailed {
		telemetry.HistoryCommitsTotal.With("withheld").Inc()
		return result, nil
	}

	// Outcomes are final at this point; a cancelled pass must not lose them
	rec := common.Record{ID: cand.ID, Successes: result.Successes, PostedAt: c.now()}
	if err := c.store.Append(context.WithoutCancel(ctx), rec); err != nil {
		telemetry.HistoryCommitsTotal.With("error").Inc()
		return result, fmt.Errorf("failed to commit %s to history: %w", cand.ID, err)
	}
	telemetry.HistoryCommitsTotal.With("committed").Inc()
	result.Committed = true

	return result, nil
}

func (c *Coordinator) wantsMedia(cand *common.Candidate, textOnly bool, active []int) bool {
	if textOnly || c.media == nil || len(cand.Media) == 0 {
		return false
	}
	for _, i := range active {
		if c.targets[i].UsesMedia() {
			return true
		}
	}
	return false
}

func (c *Coordinator) acquire(ctx context.Context, cand *common.Candidate) (*media.Bundle, error) {
	start := time.Now()
	bundle, err := c.media.Acquire(ctx, cand)
	telemetry.MediaAcquireSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.MediaAcquireFailuresTotal.Inc()
		log.Error().Err(err).Str("candidate", cand.ID).Msg("Failed to acquire media")
		return nil, err
	}
	return bundle, nil
}

func (c *Coordinator) publishTo(ctx context.Context, t *Target, post *Post) (o Outcome) {
	o.Target = t.Name()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.Status = StatusFailed
			o.Err = fmt.Errorf("destination panicked: %v", r)
		}
		o.Duration = time.Since(start)
		telemetry.PublishDurationSeconds.With(o.Target).Observe(o.Duration.Seconds())
	}()

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	err := t.Publish(ctx, post)
	switch {
	case err == nil:
		o.Status = StatusSuccess
	case errors.Is(err, ErrSkipped):
		o.Status = StatusSkipped
		o.Reason = err.Error()
	default:
		o.Status = StatusFailed
		o.Err = err
	}
	return o
}

func logResult(cand *common.Candidate, result Result) {
	for _, o := range result.Outcomes {
		var ev *zerolog.Event
		switch o.Status {
		case StatusSuccess:
			ev = log.Info()
		case StatusSkipped:
			ev = log.Info().Str("reason", o.Reason)
		default:
			ev = log.Error().Err(o.Err)
		}
		ev.Str("candidate", cand.ID).
			Str("destination", o.Target).
			Str("status", string(o.Status)).
			Dur("duration", o.Duration).
			Msg("Destination settled")
	}

	switch result.Status {
	case ResultFailed:
		log.Error().
			Str("candidate", cand.ID).
			Int("destinations", len(result.Outcomes)).
			Msg("No destination succeeded; candidate stays eligible for the next pass")
	case ResultExcluded:
		log.Info().Str("candidate", cand.ID).Msg("Candidate excluded by every destination")
	default:
		log.Info().
			Str("candidate", cand.ID).
			Int("successes", result.Successes).
			Msg("Candidate published")
	}
}
