package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/media"
	"github.com/tootbot/tootbot/publisher"
)

const (
	mastodonStatusLimit = 500
	mastodonMaxPolls    = 60
)

func init() {
	publisher.RegisterDestination(cfg.DestinationMastodon, func(config cfg.DestinationConfiguration) (publisher.Destination, error) {
		return NewMastodonDestination(config, &http.Client{})
	})
}

// MastodonDestination posts statuses to one account
type MastodonDestination struct {
	name     string
	target   cfg.MastodonTarget
	client   *http.Client
	pollWait func(ctx context.Context, d time.Duration) error
}

// NewMastodonDestination creates the destination
func NewMastodonDestination(config cfg.DestinationConfiguration, client *http.Client) (*MastodonDestination, error) {
	if config.Mastodon.InstanceURL == "" || config.Mastodon.AccessToken == "" {
		return nil, fmt.Errorf("mastodon destination %s requires instance_url and access_token", config.Name)
	}
	target := config.Mastodon
	target.InstanceURL = strings.TrimRight(target.InstanceURL, "/")
	if target.Visibility == "" {
		target.Visibility = "public"
	}
	return &MastodonDestination{name: config.Name, target: target, client: client, pollWait: sleepContext}, nil
}

func (m *MastodonDestination) Name() string    { return m.name }
func (m *MastodonDestination) Type() string    { return cfg.DestinationMastodon }
func (m *MastodonDestination) UsesMedia() bool { return true }
func (m *MastodonDestination) Close() error    { return nil }

// MastodonStatus is the status creation payload
type MastodonStatus struct {
	Status      string   `json:"status"`
	MediaIDs    []string `json:"media_ids,omitempty"`
	Sensitive   bool     `json:"sensitive,omitempty"`
	SpoilerText string   `json:"spoiler_text,omitempty"`
	Visibility  string   `json:"visibility"`
}

// BuildStatus converts a post into a status without media ids
func (m *MastodonDestination) BuildStatus(p *publisher.Post) MastodonStatus {
	c := &p.Candidate
	s := MastodonStatus{
		Status:     publisher.TrimToLimit(publisher.PostText(p), mastodonStatusLimit),
		Visibility: m.target.Visibility,
	}
	if c.Flags.NSFW && m.target.SensitiveNSFW {
		s.Sensitive = true
	}
	if c.Flags.Spoiler && m.target.SpoilerSpoilers {
		s.Sensitive = true
		s.SpoilerText = "Spoiler"
	}
	return s
}

// Publish uploads the first group of media, then posts the status. The
// candidate id is sent as idempotency key so a retried pass does not post twice.
func (m *MastodonDestination) Publish(ctx context.Context, post *publisher.Post) error {
	status := m.BuildStatus(post)

	groups := publisher.SplitThread(post.Artifacts())
	if len(groups) > 0 {
		if len(groups) > 1 {
			log.Warn().Str("destination", m.name).Int("groups", len(groups)).Msg("Only the first media group fits in one status")
		}
		for _, a := range groups[0] {
			id, err := m.upload(ctx, a)
			if err != nil {
				return fmt.Errorf("upload %s: %w", a.Name, err)
			}
			status.MediaIDs = append(status.MediaIDs, id)
		}
	}

	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.target.InstanceURL+"/api/v1/statuses", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", post.Candidate.ID)

	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := m.do(req, &out); err != nil {
		return err
	}

	log.Info().Str("destination", m.name).Str("status", out.URL).Msg("Status posted")
	return nil
}

type mastodonAttachment struct {
	ID  string  `json:"id"`
	URL *string `json:"url"`
}

func (m *MastodonDestination) upload(ctx context.Context, a media.Artifact) (string, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, a.Name))
	if a.MIME != "" {
		h.Set("Content-Type", a.MIME)
	}
	part, err := w.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.target.InstanceURL+"/api/v2/media", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var att mastodonAttachment
	if err := m.do(req, &att); err != nil {
		return "", err
	}

	// Large files are processed asynchronously; url stays null until done
	for polls := 0; att.URL == nil; polls++ {
		if polls >= mastodonMaxPolls {
			return "", fmt.Errorf("media %s still processing", att.ID)
		}
		if err := m.pollWait(ctx, time.Second); err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.target.InstanceURL+"/api/v1/media/"+att.ID, nil)
		if err != nil {
			return "", err
		}
		if err := m.do(req, &att); err != nil {
			return "", err
		}
	}

	return att.ID, nil
}

func (m *MastodonDestination) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+m.target.AccessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return redactURL(err)
	}
	defer resp.Body.Close()

	// 206 from the media endpoint means still processing
	if resp.StatusCode == http.StatusPartialContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := checkResponse(m.name, resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
