package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tootbot/tootbot/common"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

func newFetcher(t *testing.T) (*Fetcher, string) {
	t.Helper()
	dir := t.TempDir()
	f, err := NewFetcher(Config{Folder: dir, Timeout: 5 * time.Second, UserAgent: "tootbot-test"})
	require.NoError(t, err)
	return f, dir
}

func mediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/img/vedspy4xum341.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(pngBytes)
		case "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte("<html></html>"))
		case "/gone.jpg":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func files(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestAcquireImageAndRelease(t *testing.T) {
	srv := mediaServer(t)
	f, dir := newFetcher(t)

	c := &common.Candidate{ID: "abc", Media: []common.MediaDescriptor{
		{Kind: common.MediaImage, URL: srv.URL + "/img/vedspy4xum341.png"},
		{Kind: common.MediaImage, URL: srv.URL + "/img/vedspy4xum341.png"},
	}}

	b, err := f.Acquire(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, b.Artifacts, 2)
	assert.Equal(t, "vedspy4xum341.png", b.Artifacts[0].Name)
	assert.Equal(t, "image/png", b.Artifacts[0].MIME)
	assert.Equal(t, int64(len(pngBytes)), b.Artifacts[0].Size)
	assert.NotEqual(t, b.Artifacts[0].Path, b.Artifacts[1].Path)

	data, err := os.ReadFile(b.Artifacts[0].Path)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)

	b.Release()
	assert.Empty(t, files(t, dir))

	// Idempotent
	b.Release()
}

func TestAcquireFailureReleasesPartialBundle(t *testing.T) {
	srv := mediaServer(t)
	f, dir := newFetcher(t)

	c := &common.Candidate{ID: "abc", Media: []common.MediaDescriptor{
		{Kind: common.MediaImage, URL: srv.URL + "/img/vedspy4xum341.png"},
		{Kind: common.MediaImage, URL: srv.URL + "/gone.jpg"},
	}}

	b, err := f.Acquire(context.Background(), c)
	require.Error(t, err)
	assert.Nil(t, b)
	assert.Empty(t, files(t, dir))
}

func TestLinkProbe(t *testing.T) {
	var heads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
		}
		switch r.URL.Path {
		case "/photo":
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write([]byte("jpeg"))
		default:
			w.Header().Set("Content-Type", "text/html")
		}
	}))
	defer srv.Close()

	f, dir := newFetcher(t)

	article := &common.Candidate{ID: "l1", Media: []common.MediaDescriptor{{Kind: common.MediaLink, URL: srv.URL + "/article"}}}
	b, err := f.Acquire(context.Background(), article)
	require.NoError(t, err)
	assert.True(t, b.Empty())
	assert.Equal(t, srv.URL+"/article", b.Link)

	// Second probe of the same URL is served from cache
	_, err = f.Acquire(context.Background(), article)
	require.NoError(t, err)
	assert.Equal(t, int32(1), heads.Load())

	photo := &common.Candidate{ID: "l2", Media: []common.MediaDescriptor{{Kind: common.MediaLink, URL: srv.URL + "/photo"}}}
	b, err = f.Acquire(context.Background(), photo)
	require.NoError(t, err)
	require.Len(t, b.Artifacts, 1)
	assert.Equal(t, "image/jpeg", b.Artifacts[0].MIME)
	assert.Equal(t, "photo.jpg", b.Artifacts[0].Name)
	b.Release()
	assert.Empty(t, files(t, dir))
}

const playlist = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" mediaPresentationDuration="PT5S">
  <Period>
    <AdaptationSet><Representation id="v"><BaseURL>DASH_720.mp4</BaseURL></Representation></AdaptationSet>
  </Period>
</MPD>
`

func TestInjectBaseURL(t *testing.T) {
	out, err := InjectBaseURL([]byte(playlist), "https://v.redd.it/abc/")
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "<BaseURL>https://v.redd.it/abc/</BaseURL></MPD>")
	assert.Contains(t, s, "<BaseURL>DASH_720.mp4</BaseURL>")

	_, err = InjectBaseURL([]byte("<MPD><Period>"), "x")
	assert.Error(t, err)

	out, err = InjectBaseURL([]byte("<MPD></MPD>"), "https://a/?x=1&y=2")
	require.NoError(t, err)
	assert.Equal(t, "<MPD><BaseURL>https://a/?x=1&amp;y=2</BaseURL></MPD>", string(out))
}

func TestVideoHandlerMuxesDash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(playlist))
	}))
	defer srv.Close()

	dir := t.TempDir()
	var gotInput string
	h := &VideoHandler{
		dl: &downloader{client: srv.Client(), folder: dir},
		run: func(_ context.Context, input, output string) error {
			data, err := os.ReadFile(input)
			if err != nil {
				return err
			}
			gotInput = string(data)
			return os.WriteFile(output, []byte("mp4"), 0644)
		},
	}
	f := NewFetcherWithHandlers(time.Second, h)

	c := &common.Candidate{ID: "vid", Media: []common.MediaDescriptor{{
		Kind:    common.MediaVideo,
		URL:     "https://v.redd.it/abc123",
		DashURL: srv.URL + "/DASHPlaylist.mpd",
	}}}

	b, err := f.Acquire(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, b.Artifacts, 1)
	assert.Contains(t, gotInput, "<BaseURL>https://v.redd.it/abc123/</BaseURL>")
	assert.Equal(t, "abc123.mp4", b.Artifacts[0].Name)
	assert.True(t, b.Artifacts[0].IsVideo())

	// Only the muxed video remains; the playlist was cleaned up
	names := files(t, dir)
	require.Len(t, names, 1)
	assert.True(t, strings.HasSuffix(names[0], ".mp4"))

	b.Release()
	assert.Empty(t, files(t, dir))
}

func TestVideoWithoutFFmpeg(t *testing.T) {
	dir := t.TempDir()
	h := &VideoHandler{dl: &downloader{client: http.DefaultClient, folder: dir}}
	err := h.Acquire(context.Background(), "v", common.MediaDescriptor{Kind: common.MediaVideo, URL: "https://v.redd.it/x", DashURL: "https://v.redd.it/x/DASHPlaylist.mpd"}, &Bundle{})
	assert.ErrorIs(t, err, ErrNoFFmpeg)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "vedspy4xum341.jpg", FileName("https://i.redd.it/vedspy4xum341.jpg", ""))
	assert.Equal(t, "abc.mp4", FileName("https://v.redd.it/abc/", ".mp4"))
	assert.Equal(t, "pic.png", FileName("https://example.com/pic.PNG?width=200", ""))
	assert.Equal(t, "unnamed_media_file.gif", FileName("https://example.com/~", ".gif"))
}

func TestNewFetcherRequiresFolder(t *testing.T) {
	_, err := NewFetcher(Config{})
	assert.True(t, common.IsFatal(err))
}

func TestResolveLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/i/aa91":
			w.Header().Set("Content-Type", "image/webp")
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.Header().Set("Content-Type", "text/html")
		}
	}))
	defer srv.Close()

	f, dir := newFetcher(t)

	c := &common.Candidate{
		ID:    "r1",
		Flags: common.Flags{Link: true},
		Media: []common.MediaDescriptor{
			{Kind: common.MediaLink, URL: srv.URL + "/i/aa91"},
			{Kind: common.MediaLink, URL: srv.URL + "/gone"},
		},
	}
	f.ResolveLinks(context.Background(), c)
	assert.Equal(t, common.MediaImage, c.Media[0].Kind)
	assert.Equal(t, "image/webp", c.Media[0].MIME)
	assert.Equal(t, common.MediaLink, c.Media[1].Kind)
	assert.False(t, c.Flags.Link)
	assert.False(t, c.IsLinkOnly())
	assert.Empty(t, files(t, dir), "resolving must not download")

	page := &common.Candidate{
		ID:    "r2",
		Flags: common.Flags{Link: true},
		Media: []common.MediaDescriptor{{Kind: common.MediaLink, URL: srv.URL + "/story"}},
	}
	f.ResolveLinks(context.Background(), page)
	assert.Equal(t, common.MediaLink, page.Media[0].Kind)
	assert.True(t, page.IsLinkOnly())

	NewFetcherWithHandlers(time.Second).ResolveLinks(context.Background(), page)
	assert.True(t, page.IsLinkOnly())
}
