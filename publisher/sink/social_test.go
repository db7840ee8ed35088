package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/common"
	"github.com/tootbot/tootbot/media"
	"github.com/tootbot/tootbot/publisher"
)

func artifact(t *testing.T, name, mime string, kind common.MediaKind) media.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("data-"+name), 0644))
	return media.Artifact{Path: path, Name: name, MIME: mime, Size: int64(len("data-" + name)), Kind: kind}
}

func mediaPost(artifacts ...media.Artifact) *publisher.Post {
	return &publisher.Post{
		Candidate: common.Candidate{
			ID:        "abc123",
			Title:     "A *bold* cat",
			Author:    "someone",
			Subreddit: "aww",
			Permalink: "/r/aww/comments/abc123/a_cat/",
			CreatedAt: time.Date(2024, 3, 5, 14, 1, 59, 0, time.UTC),
		},
		Media: &media.Bundle{Artifacts: artifacts},
	}
}

type twitterAPI struct {
	mu      sync.Mutex
	tweets  []tweetRequest
	inits   []string
	appends int
	auth    []string
	nextID  int

	failInitAfter int // INIT answers 500 once this many uploads started; 0 never fails
}

func (api *twitterAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/1.1/media/upload.json", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		api.auth = append(api.auth, r.Header.Get("Authorization"))

		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "APPEND", r.FormValue("command"))
			api.appends++
			w.WriteHeader(http.StatusNoContent)
			return
		}

		require.NoError(t, r.ParseForm())
		switch r.FormValue("command") {
		case "INIT":
			if api.failInitAfter > 0 && len(api.inits) >= api.failInitAfter {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			api.inits = append(api.inits, r.FormValue("media_category"))
			api.nextID++
			json.NewEncoder(w).Encode(map[string]string{"media_id_string": "m" + string(rune('0'+api.nextID))})
		case "FINALIZE":
			if strings.Contains(api.inits[len(api.inits)-1], "video") {
				w.Write([]byte(`{"media_id_string":"x","processing_info":{"state":"pending","check_after_secs":1}}`))
				return
			}
			w.Write([]byte(`{"media_id_string":"x"}`))
		case "STATUS":
			w.Write([]byte(`{"media_id_string":"x","processing_info":{"state":"succeeded"}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/2/tweets", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		api.auth = append(api.auth, r.Header.Get("Authorization"))
		var req tweetRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		api.tweets = append(api.tweets, req)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"id": "t" + string(rune('0'+len(api.tweets)))}})
	})
	return mux
}

func twitterConfig() cfg.DestinationConfiguration {
	return cfg.DestinationConfiguration{
		Name: "twitter",
		Type: cfg.DestinationTwitter,
		Twitter: cfg.TwitterSecrets{
			ConsumerKey:       "ck",
			ConsumerSecret:    "very-secret-consumer",
			AccessToken:       "at",
			AccessTokenSecret: "very-secret-token",
		},
	}
}

func newTwitter(t *testing.T, api *twitterAPI) *TwitterDestination {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	d, err := NewTwitterDestination(twitterConfig(), srv.URL, srv.URL)
	require.NoError(t, err)
	d.pollWait = func(context.Context, time.Duration) error { return nil }
	return d
}

func TestTwitterTextOnly(t *testing.T) {
	api := &twitterAPI{}
	d := newTwitter(t, api)

	post := mediaPost()
	post.Media = nil
	require.NoError(t, d.Publish(context.Background(), post))

	require.Len(t, api.tweets, 1)
	assert.Equal(t, "A *bold* cat https://redd.it/abc123", api.tweets[0].Text)
	assert.Nil(t, api.tweets[0].Media)

	for _, a := range api.auth {
		assert.True(t, strings.HasPrefix(a, "OAuth "))
		assert.NotContains(t, a, "very-secret")
	}
}

func TestTwitterThread(t *testing.T) {
	api := &twitterAPI{}
	d := newTwitter(t, api)

	img := artifact(t, "a.jpg", "image/jpeg", common.MediaImage)
	vid := artifact(t, "b.mp4", "video/mp4", common.MediaVideo)
	require.NoError(t, d.Publish(context.Background(), mediaPost(img, img, vid)))

	require.Len(t, api.tweets, 2)
	assert.Equal(t, "(1/2) A *bold* cat https://redd.it/abc123", api.tweets[0].Text)
	assert.Len(t, api.tweets[0].Media.MediaIDs, 2)
	assert.Nil(t, api.tweets[0].Reply)

	assert.Equal(t, "(2/2) A *bold* cat https://redd.it/abc123", api.tweets[1].Text)
	require.NotNil(t, api.tweets[1].Reply)
	assert.Equal(t, "t1", api.tweets[1].Reply.InReplyToTweetID)

	assert.Equal(t, []string{"tweet_image", "tweet_image", "tweet_video"}, api.inits)
	assert.Equal(t, 3, api.appends)
}

func TestTwitterThreadUploadFailureKeepsPostedHead(t *testing.T) {
	api := &twitterAPI{failInitAfter: 2}
	d := newTwitter(t, api)

	img := artifact(t, "a.jpg", "image/jpeg", common.MediaImage)
	vid := artifact(t, "b.mp4", "video/mp4", common.MediaVideo)
	require.NoError(t, d.Publish(context.Background(), mediaPost(img, img, vid)))

	require.Len(t, api.tweets, 1)
	assert.Equal(t, "(1/2) A *bold* cat https://redd.it/abc123", api.tweets[0].Text)
}

func TestTwitterFirstUploadFailureFails(t *testing.T) {
	api := &twitterAPI{failInitAfter: 1}
	d := newTwitter(t, api)

	img := artifact(t, "a.jpg", "image/jpeg", common.MediaImage)
	err := d.Publish(context.Background(), mediaPost(img, img))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Empty(t, api.tweets)
}

func TestTwitterErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d, err := NewTwitterDestination(twitterConfig(), srv.URL, srv.URL)
	require.NoError(t, err)

	err = d.Publish(context.Background(), &publisher.Post{Candidate: common.Candidate{ID: "x", Title: "t"}})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "rate limited")

	_, err = NewTwitterDestination(cfg.DestinationConfiguration{Name: "twitter"}, srv.URL, srv.URL)
	assert.Error(t, err)
}

func TestMediaCategory(t *testing.T) {
	assert.Equal(t, "tweet_video", MediaCategory(media.Artifact{MIME: "video/mp4"}))
	assert.Equal(t, "tweet_gif", MediaCategory(media.Artifact{MIME: "image/gif"}))
	assert.Equal(t, "tweet_image", MediaCategory(media.Artifact{MIME: "image/png"}))
}

func discordConfig(url string) cfg.DestinationConfiguration {
	return cfg.DestinationConfiguration{
		Name: "discord:main",
		Type: cfg.DestinationDiscord,
		Discord: cfg.DiscordTarget{
			WebhookURL:      url,
			SpoilerNSFW:     true,
			SpoilerSpoilers: true,
			EmbedColor:      0xff4500,
		},
	}
}

type webhookCall struct {
	query   string
	payload DiscordMessage
	files   map[string]string
}

func discordServer(t *testing.T, status int) (*httptest.Server, *[]webhookCall) {
	t.Helper()
	var calls []webhookCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		call := webhookCall{query: r.URL.RawQuery, files: map[string]string{}}
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("payload_json")), &call.payload))
		for field, headers := range r.MultipartForm.File {
			f, err := headers[0].Open()
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			f.Close()
			call.files[field] = headers[0].Filename + ":" + string(data)
		}
		calls = append(calls, call)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestDiscordSingleImageEmbedded(t *testing.T) {
	srv, calls := discordServer(t, http.StatusOK)
	d, err := NewDiscordDestination(discordConfig(srv.URL+"/api/webhooks/1/secret"), srv.Client())
	require.NoError(t, err)

	img := artifact(t, "cat.jpg", "image/jpeg", common.MediaImage)
	require.NoError(t, d.Publish(context.Background(), mediaPost(img)))

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "wait=true", call.query)
	require.Len(t, call.payload.Embeds, 1)

	embed := call.payload.Embeds[0]
	assert.Equal(t, `A \*bold\* cat`, embed.Title)
	assert.Equal(t, "https://www.reddit.com/r/aww/comments/abc123/a_cat/", embed.URL)
	assert.Equal(t, "2024-03-05T14:01:59Z", embed.Timestamp)
	assert.Equal(t, 0xff4500, embed.Color)
	assert.Equal(t, "u/someone", embed.Author.Name)
	assert.Equal(t, "r/aww", embed.Footer.Text)
	require.NotNil(t, embed.Image)
	assert.Equal(t, "attachment://cat.jpg", embed.Image.URL)
	assert.Equal(t, "cat.jpg:data-cat.jpg", call.files["files[0]"])
}

func TestDiscordSpoilerAndMultipleFiles(t *testing.T) {
	srv, calls := discordServer(t, http.StatusOK)
	d, err := NewDiscordDestination(discordConfig(srv.URL), srv.Client())
	require.NoError(t, err)

	post := mediaPost(
		artifact(t, "a.jpg", "image/jpeg", common.MediaImage),
		artifact(t, "b.jpg", "image/jpeg", common.MediaImage),
	)
	post.Candidate.Flags.NSFW = true
	require.NoError(t, d.Publish(context.Background(), post))

	call := (*calls)[0]
	assert.Nil(t, call.payload.Embeds[0].Image)
	assert.Equal(t, "SPOILER_a.jpg:data-a.jpg", call.files["files[0]"])
	assert.Equal(t, "SPOILER_b.jpg:data-b.jpg", call.files["files[1]"])
	require.Len(t, call.payload.Attachments, 2)
	assert.Equal(t, "SPOILER_b.jpg", call.payload.Attachments[1].Filename)
}

func TestDiscordLinkPost(t *testing.T) {
	d, err := NewDiscordDestination(discordConfig("https://discord.example/hook"), nil)
	require.NoError(t, err)

	post := &publisher.Post{Candidate: common.Candidate{
		ID: "l1", Title: "News", URL: "https://example.com/story", Flags: common.Flags{Link: true},
	}}
	msg := d.BuildMessage(post)
	assert.Equal(t, "https://example.com/story", msg.Content)
	assert.Equal(t, "https://redd.it/l1", msg.Embeds[0].URL)
	assert.Empty(t, msg.Attachments)

	self := &publisher.Post{Candidate: common.Candidate{ID: "s1", Title: "Q", Body: strings.Repeat("x", 5000), Flags: common.Flags{Self: true}}}
	msg = d.BuildMessage(self)
	assert.Len(t, []rune(msg.Embeds[0].Description), 4096)
}

func TestDiscordErrorsDoNotLeakWebhook(t *testing.T) {
	srv, _ := discordServer(t, http.StatusUnauthorized)
	hook := srv.URL + "/api/webhooks/1/topsecret"
	d, err := NewDiscordDestination(discordConfig(hook), srv.Client())
	require.NoError(t, err)

	err = d.Publish(context.Background(), mediaPost())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "topsecret")

	// Transport failures carry the URL in net/http errors
	srv.Close()
	err = d.Publish(context.Background(), mediaPost())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "topsecret")
}

func TestMastodonPublish(t *testing.T) {
	var (
		status   MastodonStatus
		idemKey  string
		polls    int
		uploaded string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/media", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		f, h, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		uploaded = h.Filename + ":" + string(data)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"id":"42","url":null}`))
	})
	mux.HandleFunc("/api/v1/media/42", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 2 {
			w.WriteHeader(http.StatusPartialContent)
			return
		}
		w.Write([]byte(`{"id":"42","url":"https://files.example/42.mp4"}`))
	})
	mux.HandleFunc("/api/v1/statuses", func(w http.ResponseWriter, r *http.Request) {
		idemKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&status))
		w.Write([]byte(`{"id":"1","url":"https://masto.example/@bot/1"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d, err := NewMastodonDestination(cfg.DestinationConfiguration{
		Name: "mastodon",
		Mastodon: cfg.MastodonTarget{
			InstanceURL:     srv.URL + "/",
			AccessToken:     "token",
			SensitiveNSFW:   true,
			SpoilerSpoilers: true,
		},
	}, srv.Client())
	require.NoError(t, err)
	d.pollWait = func(context.Context, time.Duration) error { return nil }

	post := mediaPost(artifact(t, "v.mp4", "video/mp4", common.MediaVideo))
	post.Candidate.Flags.Spoiler = true
	require.NoError(t, d.Publish(context.Background(), post))

	assert.Equal(t, "v.mp4:data-v.mp4", uploaded)
	assert.Equal(t, 2, polls)
	assert.Equal(t, "abc123", idemKey)
	assert.Equal(t, []string{"42"}, status.MediaIDs)
	assert.True(t, status.Sensitive)
	assert.Equal(t, "Spoiler", status.SpoilerText)
	assert.Equal(t, "public", status.Visibility)
	assert.Equal(t, "A *bold* cat https://redd.it/abc123", status.Status)
}

func TestMastodonRequiresCredentials(t *testing.T) {
	_, err := NewMastodonDestination(cfg.DestinationConfiguration{Name: "mastodon"}, nil)
	assert.Error(t, err)
}
