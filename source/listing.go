package source

import (
	"encoding/json"
	"html"
	"math"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/tootbot/tootbot/common"
)

type listing struct {
	Kind string `json:"kind"`
	Data struct {
		Children []struct {
			Kind string     `json:"kind"`
			Data submission `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditVideo struct {
	DashURL     string `json:"dash_url"`
	FallbackURL string `json:"fallback_url"`
}

type submission struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Selftext        string  `json:"selftext"`
	URL             string  `json:"url"`
	OverriddenURL   string  `json:"url_overridden_by_dest"`
	Domain          string  `json:"domain"`
	Permalink       string  `json:"permalink"`
	Author          string  `json:"author"`
	Subreddit       string  `json:"subreddit"`
	CreatedUTC      float64 `json:"created_utc"`
	Over18          bool    `json:"over_18"`
	Spoiler         bool    `json:"spoiler"`
	Stickied        bool    `json:"stickied"`
	IsSelf          bool    `json:"is_self"`
	IsVideo         bool    `json:"is_video"`
	IsGallery       bool    `json:"is_gallery"`
	ThumbnailHeight *int    `json:"thumbnail_height"`

	GalleryData *struct {
		Items []struct {
			MediaID string `json:"media_id"`
		} `json:"items"`
	} `json:"gallery_data"`

	MediaMetadata map[string]struct {
		Status string `json:"status"`
		MIME   string `json:"m"`
	} `json:"media_metadata"`

	SecureMedia *struct {
		RedditVideo *redditVideo `json:"reddit_video"`
	} `json:"secure_media"`
	Media *struct {
		RedditVideo *redditVideo `json:"reddit_video"`
	} `json:"media"`
}

var imageHosts = map[string]struct{}{
	"i.redd.it":           {},
	"i.reddituploads.com": {},
	"i.imgur.com":         {},
}

var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// decodeListings accepts a single listing or the [post, comments] pair
// returned for a single submission.
func decodeListings(data []byte) ([]listing, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var pair []listing
		if err := json.Unmarshal(data, &pair); err != nil {
			return nil, err
		}
		if len(pair) > 0 {
			return pair[:1], nil
		}
		return nil, nil
	}

	var l listing
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return []listing{l}, nil
}

func candidates(listings []listing) []common.Candidate {
	var out []common.Candidate
	for _, l := range listings {
		for _, child := range l.Data.Children {
			if child.Kind != "t3" {
				continue
			}
			c := toCandidate(child.Data)
			c.Rank = len(out)
			out = append(out, c)
		}
	}
	return out
}

func toCandidate(s submission) common.Candidate {
	link := s.URL
	if s.OverriddenURL != "" {
		link = s.OverriddenURL
	}

	sec, frac := math.Modf(s.CreatedUTC)
	c := common.Candidate{
		ID:        s.ID,
		Title:     html.UnescapeString(s.Title),
		Body:      html.UnescapeString(s.Selftext),
		URL:       link,
		Domain:    strings.ToLower(s.Domain),
		Permalink: s.Permalink,
		Author:    s.Author,
		Subreddit: s.Subreddit,
		CreatedAt: time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		Flags: common.Flags{
			NSFW:     s.Over18,
			Spoiler:  s.Spoiler,
			Stickied: s.Stickied,
			Self:     s.IsSelf,
			Video:    s.IsVideo,
			Gallery:  s.IsGallery,
		},
	}

	switch {
	case s.IsSelf:
	case s.IsGallery && s.GalleryData != nil:
		for _, item := range s.GalleryData.Items {
			meta, ok := s.MediaMetadata[item.MediaID]
			if !ok || (meta.Status != "" && meta.Status != "valid") {
				continue
			}
			ext := "jpg"
			if _, sub, found := strings.Cut(meta.MIME, "/"); found {
				ext = sub
			}
			c.Media = append(c.Media, common.MediaDescriptor{
				Kind: common.MediaImage,
				URL:  "https://i.redd.it/" + item.MediaID + "." + ext,
				MIME: meta.MIME,
			})
		}
	case s.IsVideo:
		v := s.redditVideo()
		d := common.MediaDescriptor{Kind: common.MediaVideo, URL: link, MIME: "video/mp4"}
		if v != nil {
			d.DashURL = v.DashURL
			d.FallbackURL = v.FallbackURL
		}
		c.Media = append(c.Media, d)
	default:
		if mime, ok := directImage(c.Domain, link); ok {
			c.Media = append(c.Media, common.MediaDescriptor{Kind: common.MediaImage, URL: link, MIME: mime})
			break
		}
		c.Flags.Link = true
		// Links with a preview may still point at an image; the selector
		// probes them before the policy filter sees the candidate.
		if s.ThumbnailHeight != nil {
			c.Media = append(c.Media, common.MediaDescriptor{Kind: common.MediaLink, URL: link})
		}
	}

	return c
}

func (s submission) redditVideo() *redditVideo {
	if s.SecureMedia != nil && s.SecureMedia.RedditVideo != nil {
		return s.SecureMedia.RedditVideo
	}
	if s.Media != nil && s.Media.RedditVideo != nil {
		return s.Media.RedditVideo
	}
	return nil
}

func directImage(domain, link string) (string, bool) {
	u, err := url.Parse(link)
	if err != nil {
		return "", false
	}
	mime, ok := imageExtensions[strings.ToLower(path.Ext(u.Path))]
	if ok {
		return mime, true
	}
	if _, hosted := imageHosts[domain]; hosted {
		return "", true
	}
	return "", false
}
