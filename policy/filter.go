// Package policy decides whether a candidate may be republished under the
// configured content rules. It is pure: no I/O and no logging.
package policy

import (
	"strings"

	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/common"
)

// Reason names why a candidate was rejected
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonStickied         Reason = "stickied"
	ReasonNSFW             Reason = "nsfw"
	ReasonSpoiler          Reason = "spoiler"
	ReasonLinkPost         Reason = "link_post"
	ReasonBlockedDomain    Reason = "blocked_domain"
	ReasonNotMedia         Reason = "not_media"
	ReasonVideoDisabled    Reason = "video_disabled"
	ReasonMediaWithoutText Reason = "media_without_text"
)

// Decision is the outcome of Admit.
// TextOnly is set when the candidate carries media that will not be fetched.
type Decision struct {
	Admitted bool
	Reason   Reason
	TextOnly bool
}

// Admit returns an admitting decision
func Admit() Decision {
	return Decision{Admitted: true}
}

// Reject returns a rejecting decision for reason
func Reject(reason Reason) Decision {
	return Decision{Reason: reason}
}

func (d Decision) String() string {
	switch {
	case !d.Admitted:
		return "reject(" + string(d.Reason) + ")"
	case d.TextOnly:
		return "admit(text-only)"
	default:
		return "admit"
	}
}

// Config is the subset of configuration the rules read
type Config struct {
	SkipStickied  bool
	SkipNSFW      bool
	SkipSpoilers  bool
	SkipLinkPosts bool
	OnlyGetMedia  bool
	GetMedia      bool
	GetVideos     bool
	SkipDomains   []string
}

// ConfigFrom extracts the policy settings from the main configuration
func ConfigFrom(c *cfg.Configuration) Config {
	return Config{
		SkipStickied:  c.Reddit.SkipStickied,
		SkipNSFW:      c.Reddit.SkipNSFW,
		SkipSpoilers:  c.Reddit.SkipSpoilers,
		SkipLinkPosts: c.Reddit.SkipLinkPosts,
		OnlyGetMedia:  c.Media.OnlyGetMedia,
		GetMedia:      c.Media.GetMedia,
		GetVideos:     c.Media.GetVideos,
		SkipDomains:   c.Reddit.SkipDomains,
	}
}

// Filter applies the content rules in a fixed order; the first failing
// rule decides the reason.
type Filter struct {
	config  Config
	domains *DomainFilter
}

// NewFilter compiles the domain patterns of config
func NewFilter(config Config) (*Filter, error) {
	domains, err := NewDomainFilter(config.SkipDomains)
	if err != nil {
		return nil, err
	}
	return &Filter{config: config, domains: domains}, nil
}

// Admit evaluates c. Rules, in order: stickied, nsfw, spoiler, link-only,
// blocked domain, media-only, video, then media without media acquisition.
func (f *Filter) Admit(c *common.Candidate) Decision {
	conf := f.config

	if conf.SkipStickied && c.Flags.Stickied {
		return Reject(ReasonStickied)
	}
	if conf.SkipNSFW && c.Flags.NSFW {
		return Reject(ReasonNSFW)
	}
	if conf.SkipSpoilers && c.Flags.Spoiler {
		return Reject(ReasonSpoiler)
	}
	if conf.SkipLinkPosts && c.IsLinkOnly() {
		return Reject(ReasonLinkPost)
	}
	if f.domains.Blocked(c.Domain) {
		return Reject(ReasonBlockedDomain)
	}

	hasMedia := c.HasMedia()
	if conf.OnlyGetMedia && !hasMedia {
		return Reject(ReasonNotMedia)
	}
	if c.HasVideo() && !conf.GetVideos {
		return Reject(ReasonVideoDisabled)
	}

	if hasMedia && !conf.GetMedia {
		if strings.TrimSpace(c.Title) == "" && strings.TrimSpace(c.Body) == "" {
			return Reject(ReasonMediaWithoutText)
		}
		return Decision{Admitted: true, TextOnly: true}
	}

	return Admit()
}
