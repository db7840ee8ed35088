package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/common"
)

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
}

type downloader struct {
	client    *http.Client
	folder    string
	userAgent string
}

func (d *downloader) request(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	return d.client.Do(req)
}

// fetch downloads url into a fresh file in the media folder
func (d *downloader) fetch(ctx context.Context, id, url string, kind common.MediaKind) (Artifact, error) {
	resp, err := d.request(ctx, http.MethodGet, url)
	if err != nil {
		return Artifact{}, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Artifact{}, fmt.Errorf("download of %s returned status %d", url, resp.StatusCode)
	}

	mimeType := contentType(resp.Header.Get("Content-Type"))
	name := FileName(url, imageExtensions[mimeType])

	f, err := os.CreateTemp(d.folder, id+"-*"+filepath.Ext(name))
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to create media file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(resp.Body, maxDownloadBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > maxDownloadBytes {
		err = fmt.Errorf("media larger than %d bytes", maxDownloadBytes)
	}
	if err != nil {
		os.Remove(f.Name())
		return Artifact{}, fmt.Errorf("failed to save %s: %w", url, err)
	}

	log.Debug().Str("url", url).Str("path", f.Name()).Int64("bytes", n).Msg("Downloaded media")

	return Artifact{Path: f.Name(), Name: name, MIME: mimeType, Size: n, Kind: kind}, nil
}

func contentType(header string) string {
	if header == "" {
		return ""
	}
	t, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return t
}

// ImageHandler downloads images directly
type ImageHandler struct {
	dl *downloader
}

func (h *ImageHandler) CanHandle(d common.MediaDescriptor) bool {
	return d.Kind == common.MediaImage
}

func (h *ImageHandler) Acquire(ctx context.Context, id string, d common.MediaDescriptor, dst *Bundle) error {
	a, err := h.dl.fetch(ctx, id, d.URL, common.MediaImage)
	if err != nil {
		return err
	}
	if a.MIME == "" {
		a.MIME = d.MIME
	}
	dst.Artifacts = append(dst.Artifacts, a)
	return nil
}

// LinkHandler probes an external URL. Direct images are downloaded, anything
// else is passed on as a plain link. Probe results are cached by URL.
type LinkHandler struct {
	dl     *downloader
	probes *lru.Cache[string, string]
}

func (h *LinkHandler) CanHandle(d common.MediaDescriptor) bool {
	return d.Kind == common.MediaLink
}

func (h *LinkHandler) Acquire(ctx context.Context, id string, d common.MediaDescriptor, dst *Bundle) error {
	mimeType, err := h.probe(ctx, d.URL)
	if err != nil {
		log.Warn().Err(err).Str("url", d.URL).Msg("Link probe failed, posting as plain link")
		dst.Link = d.URL
		return nil
	}

	if isImage(mimeType) {
		a, err := h.dl.fetch(ctx, id, d.URL, common.MediaImage)
		if err != nil {
			return err
		}
		dst.Artifacts = append(dst.Artifacts, a)
		return nil
	}

	dst.Link = d.URL
	return nil
}

// Resolve probes the external links of c. A link serving a supported image
// becomes an image descriptor, and the candidate then counts as media rather
// than as a plain link. Probe failures leave the descriptor untouched.
func (h *LinkHandler) Resolve(ctx context.Context, c *common.Candidate) {
	for i := range c.Media {
		d := &c.Media[i]
		if d.Kind != common.MediaLink {
			continue
		}
		mimeType, err := h.probe(ctx, d.URL)
		if err != nil {
			log.Debug().Err(err).Str("url", d.URL).Msg("Link probe failed, keeping it as a link")
			continue
		}
		if isImage(mimeType) {
			d.Kind = common.MediaImage
			d.MIME = mimeType
		}
	}
	if c.Flags.Link && c.HasMedia() {
		c.Flags.Link = false
	}
}

func isImage(mimeType string) bool {
	_, ok := imageExtensions[mimeType]
	return ok && strings.HasPrefix(mimeType, "image/")
}

func (h *LinkHandler) probe(ctx context.Context, url string) (string, error) {
	if t, ok := h.probes.Get(url); ok {
		return t, nil
	}

	resp, err := h.dl.request(ctx, http.MethodHead, url)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		resp, err = h.dl.request(ctx, http.MethodGet, url)
	}
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("probe of %s returned status %d", url, resp.StatusCode)
	}

	t := contentType(resp.Header.Get("Content-Type"))
	h.probes.Add(url, t)
	return t, nil
}
