// Package common provides the types shared by the source, selection and
// publishing stages.
package common

import "time"

// ShortLinkBase is the canonical short permalink prefix for a submission.
const ShortLinkBase = "https://redd.it/"

// MediaKind classifies a media attachment referenced by a candidate.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	// MediaLink is an external URL whose content type is not known until it is probed.
	MediaLink MediaKind = "link"
)

// MediaDescriptor points at media to acquire. Nothing is downloaded until a
// candidate has been admitted and is about to be published.
type MediaDescriptor struct {
	Kind        MediaKind `msgpack:"kind" json:"kind"`
	URL         string    `msgpack:"url" json:"url"`
	MIME        string    `msgpack:"mime,omitempty" json:"mime,omitempty"`
	DashURL     string    `msgpack:"dash,omitempty" json:"dash_url,omitempty"`
	FallbackURL string    `msgpack:"fallback,omitempty" json:"fallback_url,omitempty"`
}

// Flags are the content flags reported by the source.
type Flags struct {
	NSFW     bool `msgpack:"nsfw" json:"nsfw"`
	Spoiler  bool `msgpack:"spoiler" json:"spoiler"`
	Stickied bool `msgpack:"stickied" json:"stickied"`
	Self     bool `msgpack:"self" json:"self"`
	Video    bool `msgpack:"video" json:"video"`
	Gallery  bool `msgpack:"gallery" json:"gallery"`

	// Link is set for posts pointing at an external page. A link whose URL
	// resolves to a direct image is reported as media instead.
	Link bool `msgpack:"link" json:"link"`
}

// Candidate is one submission returned by the content source, in source order.
type Candidate struct {
	ID        string            `msgpack:"id" json:"id"`
	Title     string            `msgpack:"title" json:"title"`
	Body      string            `msgpack:"body,omitempty" json:"body,omitempty"`
	URL       string            `msgpack:"url,omitempty" json:"url,omitempty"`
	Domain    string            `msgpack:"domain,omitempty" json:"domain,omitempty"`
	Permalink string            `msgpack:"permalink,omitempty" json:"permalink,omitempty"`
	Author    string            `msgpack:"author,omitempty" json:"author,omitempty"`
	Subreddit string            `msgpack:"subreddit,omitempty" json:"subreddit,omitempty"`
	CreatedAt time.Time         `msgpack:"created" json:"created_at"`
	Rank      int               `msgpack:"rank" json:"rank"`
	Flags     Flags             `msgpack:"flags" json:"flags"`
	Media     []MediaDescriptor `msgpack:"media,omitempty" json:"media,omitempty"`
}

// HasMedia reports whether the candidate carries an image or video.
// Unprobed external links do not count.
func (c *Candidate) HasMedia() bool {
	for _, m := range c.Media {
		if m.Kind == MediaImage || m.Kind == MediaVideo {
			return true
		}
	}
	return false
}

// HasVideo reports whether any attached media is a video.
func (c *Candidate) HasVideo() bool {
	if c.Flags.Video {
		return true
	}
	for _, m := range c.Media {
		if m.Kind == MediaVideo {
			return true
		}
	}
	return false
}

// IsLinkOnly reports whether the candidate is an external link with no media.
func (c *Candidate) IsLinkOnly() bool {
	return c.Flags.Link && !c.HasMedia()
}

// ShortLink returns the redd.it permalink of the candidate.
func (c *Candidate) ShortLink() string {
	return ShortLinkBase + c.ID
}

// Record is one committed history entry.
type Record struct {
	ID        string    `msgpack:"id" json:"id"`
	Successes int       `msgpack:"successes" json:"successes"`
	PostedAt  time.Time `msgpack:"posted_at" json:"posted_at"`
}
