package publisher

import (
	"fmt"

	"github.com/tootbot/tootbot/common"
	"github.com/tootbot/tootbot/media"
)

const (
	// TweetTitleLimit leaves room for the short link after the title
	TweetTitleLimit = 256
	// TweetLinkTitleLimit leaves room for the external URL and the short link
	TweetLinkTitleLimit = 230
	// ImagesPerTweet is the most images one tweet can carry
	ImagesPerTweet = 4
)

// TrimToLimit shortens text to at most limit runes, ending in an ellipsis
// when it had to cut.
func TrimToLimit(text string, limit int) string {
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	if limit < 2 {
		return string(r[:limit])
	}
	return string(r[:limit-2]) + "…"
}

// PostText is the status text for short-form destinations:
//
//	link posts:  {title} {url} ({short link})
//	self posts:  {title}\n{body}\n{short link}
//	otherwise:   {title} {short link}
func PostText(p *Post) string {
	c := &p.Candidate
	if link := p.Link(); link != "" && p.Media.Empty() {
		return fmt.Sprintf("%s %s (%s)", TrimToLimit(c.Title, TweetLinkTitleLimit), link, c.ShortLink())
	}
	if c.Flags.Self && c.Body != "" {
		return TrimToLimit(c.Title+"\n"+c.Body, TweetTitleLimit) + "\n" + c.ShortLink()
	}
	return TrimToLimit(c.Title, TweetTitleLimit) + " " + c.ShortLink()
}

// ThreadText is the text of tweet i (1-based) out of n in a media thread
func ThreadText(c *common.Candidate, i, n int) string {
	return TrimToLimit(fmt.Sprintf("(%d/%d) %s", i, n, c.Title), TweetTitleLimit) + " " + c.ShortLink()
}

// SplitThread groups artifacts into tweets: up to ImagesPerTweet images per
// group, while a video or GIF always gets a group of its own.
func SplitThread(artifacts []media.Artifact) [][]media.Artifact {
	var groups [][]media.Artifact
	var current []media.Artifact
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
	}

	for _, a := range artifacts {
		if a.IsVideo() || a.IsGIF() {
			flush()
			groups = append(groups, []media.Artifact{a})
			continue
		}
		current = append(current, a)
		if len(current) == ImagesPerTweet {
			flush()
		}
	}
	flush()
	return groups
}
