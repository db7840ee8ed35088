package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/common"
	"github.com/tootbot/tootbot/media"
)

// ErrSkipped marks a destination declining a post under its own rules. Wrap it with
// Skip so the outcome is recorded as skipped instead of failed.
var ErrSkipped = errors.New("skipped")

// Skip returns an error classified as a skipped outcome
func Skip(reason string) error {
	return fmt.Errorf("%w: %s", ErrSkipped, reason)
}

// Status is the outcome of one destination
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// ResultStatus summarises a publish across all destinations
type ResultStatus string

const (
	// ResultPublished means at least one destination succeeded
	ResultPublished ResultStatus = "published"
	// ResultExcluded means every destination skipped the candidate
	ResultExcluded ResultStatus = "excluded"
	// ResultFailed means nothing succeeded and at least one destination failed
	ResultFailed ResultStatus = "failed"
)

// Post is what a destination receives. It is shared read-only between
// concurrent destinations.
type Post struct {
	Candidate common.Candidate
	Media     *media.Bundle // nil when no media was acquired
	TextOnly  bool
}

// Link returns the external URL to show for the post, if any
func (p *Post) Link() string {
	if p.Media != nil && p.Media.Link != "" {
		return p.Media.Link
	}
	if p.Candidate.Flags.Link {
		return p.Candidate.URL
	}
	return ""
}

// Artifacts returns the downloaded files, or nil for text-only posts
func (p *Post) Artifacts() []media.Artifact {
	if p.TextOnly || p.Media == nil {
		return nil
	}
	return p.Media.Artifacts
}

// Destination is one platform a candidate is republished to
type Destination interface {
	// Name identifies the destination in logs, metrics and results
	Name() string
	Type() string
	// UsesMedia reports whether the destination uploads media files
	UsesMedia() bool
	Publish(ctx context.Context, post *Post) error
	Close() error
}

// Target is a destination with its publish-time overrides
type Target struct {
	Destination
	PostNSFW     bool
	PostSpoilers bool
	Timeout      time.Duration
}

// NewTarget wraps d with the overrides from config
func NewTarget(d Destination, config cfg.DestinationConfiguration) *Target {
	return &Target{
		Destination:  d,
		PostNSFW:     config.PostNSFW,
		PostSpoilers: config.PostSpoilers,
		Timeout:      config.Timeout,
	}
}

// Excludes returns the reason this target refuses c, or "" when it accepts it
func (t *Target) Excludes(c *common.Candidate) string {
	if c.Flags.NSFW && !t.PostNSFW {
		return "nsfw"
	}
	if c.Flags.Spoiler && !t.PostSpoilers {
		return "spoiler"
	}
	return ""
}

// Outcome is the result of one destination
type Outcome struct {
	Target   string
	Status   Status
	Reason   string // why it was skipped
	Err      error
	Duration time.Duration
}

// Result is the aggregated outcome of publishing one candidate
type Result struct {
	CandidateID string
	Status      ResultStatus
	Outcomes    []Outcome
	Successes   int
	Committed   bool
}

// Outcome returns the outcome for the named target
func (r Result) Outcome(name string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Target == name {
			return o, true
		}
	}
	return Outcome{}, false
}
