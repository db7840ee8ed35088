package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/dghubble/oauth1"
	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/media"
	"github.com/tootbot/tootbot/publisher"
)

const (
	twitterAPIBase    = "https://api.twitter.com"
	twitterUploadBase = "https://upload.twitter.com"

	// Upload chunks stay under the 5MB APPEND limit
	twitterChunkSize = 4 << 20
	twitterMaxPolls  = 60
)

func init() {
	publisher.RegisterDestination(cfg.DestinationTwitter, func(config cfg.DestinationConfiguration) (publisher.Destination, error) {
		return NewTwitterDestination(config, twitterAPIBase, twitterUploadBase)
	})
}

// TwitterDestination posts tweets with the v2 API and uploads media through
// the v1.1 chunked upload endpoint, signing every request with OAuth 1.0a.
type TwitterDestination struct {
	name       string
	client     *http.Client
	apiBase    string
	uploadBase string
	pollWait   func(ctx context.Context, d time.Duration) error
}

// NewTwitterDestination creates the destination against the given API hosts
func NewTwitterDestination(config cfg.DestinationConfiguration, apiBase, uploadBase string) (*TwitterDestination, error) {
	s := config.Twitter
	if s.ConsumerKey == "" || s.ConsumerSecret == "" || s.AccessToken == "" || s.AccessTokenSecret == "" {
		return nil, fmt.Errorf("twitter destination %s has incomplete credentials", config.Name)
	}

	oauthConfig := oauth1.NewConfig(s.ConsumerKey, s.ConsumerSecret)
	token := oauth1.NewToken(s.AccessToken, s.AccessTokenSecret)

	return &TwitterDestination{
		name:       config.Name,
		client:     oauthConfig.Client(oauth1.NoContext, token),
		apiBase:    apiBase,
		uploadBase: uploadBase,
		pollWait:   sleepContext,
	}, nil
}

func (t *TwitterDestination) Name() string    { return t.name }
func (t *TwitterDestination) Type() string    { return cfg.DestinationTwitter }
func (t *TwitterDestination) UsesMedia() bool { return true }
func (t *TwitterDestination) Close() error    { return nil }

// Publish posts a single tweet, or a reply thread when the media does not
// fit in one tweet.
func (t *TwitterDestination) Publish(ctx context.Context, post *publisher.Post) error {
	groups := publisher.SplitThread(post.Artifacts())
	if len(groups) == 0 {
		_, err := t.tweet(ctx, publisher.PostText(post), nil, "")
		return err
	}

	replyTo := ""
	for i, group := range groups {
		text := publisher.PostText(post)
		if len(groups) > 1 {
			text = publisher.ThreadText(&post.Candidate, i+1, len(groups))
		}

		id, err := t.postGroup(ctx, group, text, replyTo)
		if err != nil {
			// The head of the thread is public; failing would repost it
			if i > 0 {
				log.Warn().
					Err(err).
					Str("destination", t.name).
					Int("posted", i).
					Int("total", len(groups)).
					Msg("Thread interrupted, keeping the tweets already posted")
				return nil
			}
			return err
		}
		replyTo = id
	}
	return nil
}

// postGroup uploads the artifacts of one thread entry and tweets them
func (t *TwitterDestination) postGroup(ctx context.Context, group []media.Artifact, text, replyTo string) (string, error) {
	ids := make([]string, 0, len(group))
	for _, a := range group {
		id, err := t.upload(ctx, a)
		if err != nil {
			return "", fmt.Errorf("upload %s: %w", a.Name, err)
		}
		ids = append(ids, id)
	}
	return t.tweet(ctx, text, ids, replyTo)
}

type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
	Reply *tweetReply `json:"reply,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type tweetReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

func (t *TwitterDestination) tweet(ctx context.Context, text string, mediaIDs []string, replyTo string) (string, error) {
	body := tweetRequest{Text: text}
	if len(mediaIDs) > 0 {
		body.Media = &tweetMedia{MediaIDs: mediaIDs}
	}
	if replyTo != "" {
		body.Reply = &tweetReply{InReplyToTweetID: replyTo}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+"/2/tweets", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := t.do(req, &out); err != nil {
		return "", err
	}

	log.Info().Str("destination", t.name).Str("tweet", out.Data.ID).Msg("Tweet posted")
	return out.Data.ID, nil
}

type uploadResponse struct {
	MediaID        string `json:"media_id_string"`
	ProcessingInfo *struct {
		State          string `json:"state"`
		CheckAfterSecs int    `json:"check_after_secs"`
		Error          *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"processing_info"`
}

// MediaCategory picks the upload category for an artifact
func MediaCategory(a media.Artifact) string {
	switch {
	case a.IsVideo():
		return "tweet_video"
	case a.IsGIF():
		return "tweet_gif"
	default:
		return "tweet_image"
	}
}

func (t *TwitterDestination) upload(ctx context.Context, a media.Artifact) (string, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	var init uploadResponse
	if err := t.form(ctx, url.Values{
		"command":        {"INIT"},
		"total_bytes":    {strconv.FormatInt(info.Size(), 10)},
		"media_type":     {a.MIME},
		"media_category": {MediaCategory(a)},
	}, &init); err != nil {
		return "", err
	}
	if init.MediaID == "" {
		return "", fmt.Errorf("INIT returned no media id")
	}

	chunk := make([]byte, twitterChunkSize)
	for segment := 0; ; segment++ {
		n, err := io.ReadFull(f, chunk)
		if n > 0 {
			if err := t.appendChunk(ctx, init.MediaID, segment, chunk[:n]); err != nil {
				return "", err
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", err
		}
	}

	var status uploadResponse
	if err := t.form(ctx, url.Values{"command": {"FINALIZE"}, "media_id": {init.MediaID}}, &status); err != nil {
		return "", err
	}

	for polls := 0; status.ProcessingInfo != nil; polls++ {
		switch status.ProcessingInfo.State {
		case "succeeded":
			return init.MediaID, nil
		case "failed":
			msg := "processing failed"
			if status.ProcessingInfo.Error != nil {
				msg = status.ProcessingInfo.Error.Message
			}
			return "", fmt.Errorf("media %s: %s", init.MediaID, msg)
		}
		if polls >= twitterMaxPolls {
			return "", fmt.Errorf("media %s still processing", init.MediaID)
		}

		wait := time.Duration(status.ProcessingInfo.CheckAfterSecs) * time.Second
		if err := t.pollWait(ctx, wait); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			t.uploadBase+"/1.1/media/upload.json?command=STATUS&media_id="+url.QueryEscape(init.MediaID), nil)
		if err != nil {
			return "", err
		}
		status = uploadResponse{}
		if err := t.do(req, &status); err != nil {
			return "", err
		}
	}

	return init.MediaID, nil
}

func (t *TwitterDestination) appendChunk(ctx context.Context, mediaID string, segment int, data []byte) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	w.WriteField("command", "APPEND")
	w.WriteField("media_id", mediaID)
	w.WriteField("segment_index", strconv.Itoa(segment))
	part, err := w.CreateFormFile("media", "blob")
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.uploadBase+"/1.1/media/upload.json", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return t.do(req, nil)
}

func (t *TwitterDestination) form(ctx context.Context, values url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.uploadBase+"/1.1/media/upload.json",
		bytes.NewBufferString(values.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.do(req, out)
}

func (t *TwitterDestination) do(req *http.Request, out interface{}) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return redactURL(err)
	}
	defer resp.Body.Close()

	if err := checkResponse(t.name, resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
