package media

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/common"
)

// ErrNoFFmpeg is returned for DASH videos when ffmpeg is unavailable
var ErrNoFFmpeg = errors.New("ffmpeg is not available")

const maxPlaylistBytes = 4 << 20

// runFunc muxes the playlist at input into output
type runFunc func(ctx context.Context, input, output string) error

func execFFmpeg(path string) runFunc {
	if path == "" {
		return nil
	}
	return func(ctx context.Context, input, output string) error {
		cmd := exec.CommandContext(ctx, path,
			"-y", "-loglevel", "error",
			"-protocol_whitelist", "file,http,https,tcp,tls,crypto",
			"-i", input,
			"-c", "copy",
			output)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if len(msg) > 512 {
				msg = msg[len(msg)-512:]
			}
			return fmt.Errorf("ffmpeg failed: %w: %s", err, msg)
		}
		return nil
	}
}

// VideoHandler downloads hosted videos. DASH videos are fetched as a
// playlist, pointed at their base URL and muxed with ffmpeg; anything else is
// downloaded from its fallback or direct URL.
type VideoHandler struct {
	dl  *downloader
	run runFunc
}

func (h *VideoHandler) CanHandle(d common.MediaDescriptor) bool {
	return d.Kind == common.MediaVideo
}

func (h *VideoHandler) Acquire(ctx context.Context, id string, d common.MediaDescriptor, dst *Bundle) error {
	if d.DashURL == "" {
		url := d.FallbackURL
		if url == "" {
			url = d.URL
		}
		a, err := h.dl.fetch(ctx, id, url, common.MediaVideo)
		if err != nil {
			return err
		}
		if a.MIME == "" || a.MIME == "application/octet-stream" {
			a.MIME = "video/mp4"
		}
		dst.Artifacts = append(dst.Artifacts, a)
		return nil
	}

	if h.run == nil {
		return ErrNoFFmpeg
	}

	playlist, err := h.playlist(ctx, d.DashURL)
	if err != nil {
		return err
	}
	playlist, err = InjectBaseURL(playlist, baseURL(d.URL))
	if err != nil {
		return err
	}

	mpd, err := os.CreateTemp(h.dl.folder, id+"-*.mpd")
	if err != nil {
		return fmt.Errorf("failed to create playlist file: %w", err)
	}
	defer os.Remove(mpd.Name())
	if _, err := mpd.Write(playlist); err != nil {
		mpd.Close()
		return fmt.Errorf("failed to write playlist: %w", err)
	}
	if err := mpd.Close(); err != nil {
		return err
	}

	out, err := os.CreateTemp(h.dl.folder, id+"-*.mp4")
	if err != nil {
		return fmt.Errorf("failed to create video file: %w", err)
	}
	out.Close()

	if err := h.run(ctx, mpd.Name(), out.Name()); err != nil {
		os.Remove(out.Name())
		return err
	}

	info, err := os.Stat(out.Name())
	if err != nil || info.Size() == 0 {
		os.Remove(out.Name())
		return fmt.Errorf("ffmpeg produced no output for %s", d.URL)
	}

	log.Debug().Str("url", d.URL).Str("path", out.Name()).Int64("bytes", info.Size()).Msg("Muxed DASH video")

	dst.Artifacts = append(dst.Artifacts, Artifact{
		Path: out.Name(),
		Name: FileName(d.URL, ".mp4"),
		MIME: "video/mp4",
		Size: info.Size(),
		Kind: common.MediaVideo,
	})
	return nil
}

func (h *VideoHandler) playlist(ctx context.Context, url string) ([]byte, error) {
	resp, err := h.dl.request(ctx, http.MethodGet, url)
	if err != nil {
		return nil, fmt.Errorf("playlist download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("playlist %s returned status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
}

func baseURL(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	return url
}

// InjectBaseURL inserts a BaseURL element as the last child of the playlist's
// root element so relative segment URLs resolve against base.
func InjectBaseURL(playlist []byte, base string) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(playlist))
	depth := 0
	var rootEnd int64 = -1
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid DASH playlist: %w", err)
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				rootEnd = dec.InputOffset()
			}
		}
	}
	if rootEnd < 0 {
		return nil, errors.New("invalid DASH playlist: no root element")
	}

	closing := bytes.LastIndex(playlist[:rootEnd], []byte("</"))
	if closing < 0 {
		return nil, errors.New("invalid DASH playlist: root element is not closed")
	}

	var elem bytes.Buffer
	elem.WriteString("<BaseURL>")
	if err := xml.EscapeText(&elem, []byte(base)); err != nil {
		return nil, err
	}
	elem.WriteString("</BaseURL>")

	out := make([]byte, 0, len(playlist)+elem.Len())
	out = append(out, playlist[:closing]...)
	out = append(out, elem.Bytes()...)
	out = append(out, playlist[closing:]...)
	return out, nil
}
