// Package pipeline runs passes: fetch candidates, select one, publish it and
// commit the outcome to history. Passes never overlap.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/common"
	"github.com/tootbot/tootbot/notify"
	"github.com/tootbot/tootbot/policy"
	"github.com/tootbot/tootbot/publisher"
	"github.com/tootbot/tootbot/source"
	"github.com/tootbot/tootbot/telemetry"
)

// ErrPassInProgress is returned by RunOnce while another pass is running
var ErrPassInProgress = errors.New("a pass is already in progress")

// Publisher publishes a selected candidate and commits it to history
type Publisher interface {
	Publish(ctx context.Context, c *common.Candidate, d policy.Decision) (publisher.Result, error)
}

// Outcome of a pass
const (
	OutcomeNone      = "none"
	OutcomePublished = string(publisher.ResultPublished)
	OutcomeExcluded  = string(publisher.ResultExcluded)
	OutcomeFailed    = string(publisher.ResultFailed)
)

// Config configures a Pipeline
type Config struct {
	Subreddit   string
	Sort        common.SortMode
	Limit       int
	PassTimeout time.Duration
}

// ConfigFrom extracts the pipeline settings from the main configuration
func ConfigFrom(c *cfg.Configuration) (Config, error) {
	sort, err := common.ParseSortMode(c.Reddit.Sort)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Subreddit:   c.Reddit.Subreddit,
		Sort:        sort,
		Limit:       c.Reddit.SearchLimit,
		PassTimeout: c.PassTimeout(),
	}, nil
}

// Report describes a settled pass
type Report struct {
	Fetched   int
	Selection Selection
	Result    *publisher.Result // nil when nothing was published
	Outcome   string
	Duration  time.Duration
}

// Pipeline wires the source, the history store, the policy filter and the
// publish coordinator together.
type Pipeline struct {
	config    Config
	source    source.Source
	store     SeenChecker
	filter    Admitter
	publisher Publisher
	resolver  LinkResolver
	hub       *notify.Hub

	mu sync.Mutex
}

// New creates a Pipeline
func New(config Config, src source.Source, store SeenChecker, filter Admitter, pub Publisher) *Pipeline {
	return &Pipeline{
		config:    config,
		source:    src,
		store:     store,
		filter:    filter,
		publisher: pub,
	}
}

// SetLinkResolver probes external links of unseen candidates before they
// reach the filter
func (p *Pipeline) SetLinkResolver(r LinkResolver) {
	p.resolver = r
}

// SetNotifier makes every settled pass signal hub
func (p *Pipeline) SetNotifier(hub *notify.Hub) {
	p.hub = hub
}

// RunOnce runs a single pass to completion. It does not wait for a running
// pass: a concurrent call fails immediately with ErrPassInProgress.
//
// The returned error is nil for benign outcomes (nothing to post, every
// destination skipped) and for publish failures, which are reported through
// Report.Outcome and retried on the next pass.
func (p *Pipeline) RunOnce(ctx context.Context) (Report, error) {
	if !p.mu.TryLock() {
		telemetry.PassesTotal.With("busy").Inc()
		return Report{}, ErrPassInProgress
	}
	defer p.mu.Unlock()

	if p.config.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.PassTimeout)
		defer cancel()
	}

	start := time.Now()
	log.Info().
		Str("subreddit", p.config.Subreddit).
		Str("sort", string(p.config.Sort)).
		Int("limit", p.config.Limit).
		Msg("Starting pass")

	report, err := p.run(ctx)
	report.Duration = time.Since(start)

	telemetry.PassDurationSeconds.Observe(report.Duration.Seconds())
	if err != nil {
		telemetry.PassesTotal.With("error").Inc()
	} else {
		telemetry.PassesTotal.With(report.Outcome).Inc()
	}

	log.Info().
		Str("outcome", report.Outcome).
		Dur("duration", report.Duration).
		Msg("Pass settled")

	if p.hub != nil {
		p.hub.Signal(p.event(report, err))
	}

	return report, err
}

func (p *Pipeline) event(report Report, err error) notify.Event {
	ev := notify.Event{
		Subreddit: p.config.Subreddit,
		Outcome:   report.Outcome,
		Time:      time.Now(),
	}
	if report.Selection.Candidate != nil {
		ev.CandidateID = report.Selection.Candidate.ID
	}
	if err != nil {
		ev.Outcome = "error"
		ev.Error = err.Error()
	}
	return ev
}

func (p *Pipeline) run(ctx context.Context) (Report, error) {
	report := Report{Outcome: OutcomeNone}

	cands, err := p.source.Fetch(ctx, p.config.Subreddit, p.config.Sort, p.config.Limit)
	if err != nil {
		return report, fmt.Errorf("fetch r/%s: %w", p.config.Subreddit, err)
	}
	report.Fetched = len(cands)
	if len(cands) == 0 {
		log.Warn().Str("subreddit", p.config.Subreddit).Msg("Source returned no candidates")
		return report, nil
	}

	sel, err := Select(ctx, cands, p.config.Limit, p.store, p.resolver, p.filter)
	report.Selection = sel
	if err != nil {
		return report, err
	}
	if sel.Candidate == nil {
		log.Warn().
			Int("examined", sel.Examined).
			Int("seen", sel.Seen).
			Int("rejected", sel.Rejected).
			Msg("No candidate qualified this pass")
		return report, nil
	}

	result, err := p.publisher.Publish(ctx, sel.Candidate, sel.Decision)
	report.Result = &result
	report.Outcome = string(result.Status)
	return report, err
}
