package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/common"
	"github.com/tootbot/tootbot/policy"
	"github.com/tootbot/tootbot/telemetry"
)

// SeenChecker is the read side of the history store
type SeenChecker interface {
	Contains(ctx context.Context, id string) (bool, error)
}

// Admitter decides whether a candidate may be published
type Admitter interface {
	Admit(c *common.Candidate) policy.Decision
}

// LinkResolver rewrites external links that turn out to be media, so the
// filter judges the candidate by what it actually points at
type LinkResolver interface {
	ResolveLinks(ctx context.Context, c *common.Candidate)
}

// Selection is the result of one selection walk.
// Candidate is nil when nothing qualified, which is not an error.
type Selection struct {
	Candidate *common.Candidate
	Decision  policy.Decision
	Examined  int
	Seen      int
	Rejected  int
	Reasons   map[policy.Reason]int
}

// Select walks candidates in source order and returns the first one that is
// neither in history nor rejected by the filter. Every candidate examined
// counts against limit, seen or rejected alike. limit <= 0 returns an empty
// selection without consulting the store or the filter. A non-nil resolver
// runs on every unseen candidate before the filter.
func Select(ctx context.Context, candidates []common.Candidate, limit int, seen SeenChecker, resolver LinkResolver, filter Admitter) (Selection, error) {
	sel := Selection{Reasons: make(map[policy.Reason]int)}
	if limit <= 0 {
		return sel, nil
	}

	for i := range candidates {
		if sel.Examined >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return sel, err
		}

		c := &candidates[i]
		sel.Examined++

		already, err := seen.Contains(ctx, c.ID)
		if err != nil {
			return sel, fmt.Errorf("history lookup for %s: %w", c.ID, err)
		}
		if already {
			sel.Seen++
			telemetry.CandidatesExaminedTotal.With("seen").Inc()
			log.Debug().Str("candidate", c.ID).Msg("Already posted, skipping")
			continue
		}

		if resolver != nil {
			resolver.ResolveLinks(ctx, c)
		}

		decision := filter.Admit(c)
		if !decision.Admitted {
			sel.Rejected++
			sel.Reasons[decision.Reason]++
			telemetry.CandidatesExaminedTotal.With("rejected").Inc()
			telemetry.RejectionsTotal.With(string(decision.Reason)).Inc()
			log.Info().
				Str("candidate", c.ID).
				Str("reason", string(decision.Reason)).
				Msg("Candidate rejected by policy")
			continue
		}

		telemetry.CandidatesExaminedTotal.With("admitted").Inc()
		log.Info().
			Str("candidate", c.ID).
			Int("rank", c.Rank).
			Bool("text_only", decision.TextOnly).
			Msg("Candidate selected")

		selected := *c
		sel.Candidate = &selected
		sel.Decision = decision
		return sel, nil
	}

	return sel, nil
}
