// Package media downloads the images and videos of a selected candidate into
// the media folder and removes them again once the pass is done with them.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/common"
)

const (
	maxDownloadBytes    = 512 << 20
	defaultProbeEntries = 512
)

// ErrNoHandler is returned for a descriptor no handler accepts
var ErrNoHandler = errors.New("no handler for media descriptor")

// Artifact is one downloaded file
type Artifact struct {
	Path string
	Name string // Original file name, used as upload name
	MIME string
	Size int64
	Kind common.MediaKind
}

// IsVideo reports whether the artifact is a video
func (a Artifact) IsVideo() bool {
	return a.Kind == common.MediaVideo || strings.HasPrefix(a.MIME, "video/")
}

// IsGIF reports whether the artifact is an animated GIF
func (a Artifact) IsGIF() bool {
	return a.MIME == "image/gif"
}

// Bundle holds everything acquired for one candidate. Link is set when the
// candidate's URL turned out not to be media.
type Bundle struct {
	Artifacts []Artifact
	Link      string

	releaseOnce sync.Once
}

// Empty reports whether nothing was downloaded
func (b *Bundle) Empty() bool {
	return b == nil || len(b.Artifacts) == 0
}

// Release deletes every artifact. Safe to call more than once and on nil.
func (b *Bundle) Release() {
	if b == nil {
		return
	}
	b.releaseOnce.Do(func() {
		for _, a := range b.Artifacts {
			err := os.Remove(a.Path)
			switch {
			case err == nil:
				log.Debug().Str("path", a.Path).Msg("Deleted media file")
			case os.IsNotExist(err):
				log.Warn().Str("path", a.Path).Msg("Media file already gone")
			default:
				log.Warn().Err(err).Str("path", a.Path).Msg("Failed to delete media file")
			}
		}
	})
}

// Acquirer fetches the media of a candidate
type Acquirer interface {
	Acquire(ctx context.Context, c *common.Candidate) (*Bundle, error)
}

// Handler acquires one kind of media descriptor
type Handler interface {
	CanHandle(d common.MediaDescriptor) bool
	Acquire(ctx context.Context, id string, d common.MediaDescriptor, dst *Bundle) error
}

// Config configures a Fetcher
type Config struct {
	Folder         string
	FFmpegPath     string
	UserAgent      string
	Timeout        time.Duration
	ProbeCacheSize int
}

// ConfigFrom extracts the media settings from the main configuration
func ConfigFrom(c *cfg.Configuration) Config {
	return Config{
		Folder:         c.Media.MediaFolder,
		FFmpegPath:     c.Media.FFmpegPath,
		UserAgent:      c.Reddit.UserAgent,
		Timeout:        time.Duration(c.Media.TimeoutSec) * time.Second,
		ProbeCacheSize: c.Media.ProbeCacheSize,
	}
}

// Fetcher runs each descriptor through the first handler that accepts it
type Fetcher struct {
	handlers []Handler
	links    *LinkHandler
	timeout  time.Duration
}

// NewFetcher creates the media folder and the handler chain
func NewFetcher(config Config) (*Fetcher, error) {
	if config.Folder == "" {
		return nil, &common.ConfigError{Field: "media.media_folder", Reason: "must be set"}
	}
	if err := os.MkdirAll(config.Folder, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media folder: %w", err)
	}

	client := &http.Client{Timeout: config.Timeout}
	dl := &downloader{client: client, folder: config.Folder, userAgent: config.UserAgent}

	size := config.ProbeCacheSize
	if size <= 0 {
		size = defaultProbeEntries
	}
	probes, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}

	ffmpeg := config.FFmpegPath
	if ffmpeg != "" {
		if resolved, err := exec.LookPath(ffmpeg); err != nil {
			log.Warn().Str("ffmpeg", ffmpeg).Msg("ffmpeg not found, video posts will fail to acquire")
			ffmpeg = ""
		} else {
			ffmpeg = resolved
		}
	}

	return NewFetcherWithHandlers(config.Timeout,
		&VideoHandler{dl: dl, run: execFFmpeg(ffmpeg)},
		&ImageHandler{dl: dl},
		&LinkHandler{dl: dl, probes: probes},
	), nil
}

// NewFetcherWithHandlers builds a Fetcher from an explicit chain
func NewFetcherWithHandlers(timeout time.Duration, handlers ...Handler) *Fetcher {
	f := &Fetcher{handlers: handlers, timeout: timeout}
	for _, h := range handlers {
		if l, ok := h.(*LinkHandler); ok {
			f.links = l
			break
		}
	}
	return f
}

// ResolveLinks turns external links of c that serve images into image
// descriptors, using the cached link probe. It is a no-op without a
// LinkHandler in the chain.
func (f *Fetcher) ResolveLinks(ctx context.Context, c *common.Candidate) {
	if f.links == nil {
		return
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	f.links.Resolve(ctx, c)
}

// Acquire downloads every descriptor of c. On error everything acquired so
// far is released before returning.
func (f *Fetcher) Acquire(ctx context.Context, c *common.Candidate) (*Bundle, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	bundle := &Bundle{}
	for i, d := range c.Media {
		h := f.handlerFor(d)
		if h == nil {
			bundle.Release()
			return nil, fmt.Errorf("%w: %s", ErrNoHandler, d.Kind)
		}

		if err := h.Acquire(ctx, c.ID, d, bundle); err != nil {
			bundle.Release()
			return nil, fmt.Errorf("media %d of %s: %w", i+1, c.ID, err)
		}
	}

	log.Info().
		Str("candidate", c.ID).
		Int("files", len(bundle.Artifacts)).
		Bool("link", bundle.Link != "").
		Msg("Media acquired")

	return bundle, nil
}

func (f *Fetcher) handlerFor(d common.MediaDescriptor) Handler {
	for _, h := range f.handlers {
		if h.CanHandle(d) {
			return h
		}
	}
	return nil
}

var fileNamePattern = regexp.MustCompile(`/(\w+)(\.[A-Za-z0-9.]+)?/?$`)

// FileName derives a file name from a media URL:
// https://i.redd.it/vedspy4xum341.jpg -> vedspy4xum341.jpg
func FileName(rawURL, defaultExt string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	m := fileNamePattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "unnamed_media_file" + defaultExt
	}
	if m[2] != "" {
		return m[1] + strings.ToLower(m[2])
	}
	return m[1] + defaultExt
}
