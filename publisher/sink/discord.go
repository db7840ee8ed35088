package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/media"
	"github.com/tootbot/tootbot/publisher"
)

const (
	discordTitleLimit       = 256
	discordDescriptionLimit = 4096
	discordMaxFiles         = 10
	discordMaxFileBytes     = 25 << 20
	redditBase              = "https://www.reddit.com"
)

func init() {
	publisher.RegisterDestination(cfg.DestinationDiscord, func(config cfg.DestinationConfiguration) (publisher.Destination, error) {
		return NewDiscordDestination(config, &http.Client{})
	})
}

// DiscordDestination posts to one channel webhook. The webhook URL is a
// credential and never appears in errors or logs.
type DiscordDestination struct {
	name   string
	target cfg.DiscordTarget
	client *http.Client
}

// NewDiscordDestination creates the destination for one channel
func NewDiscordDestination(config cfg.DestinationConfiguration, client *http.Client) (*DiscordDestination, error) {
	if config.Discord.WebhookURL == "" {
		return nil, fmt.Errorf("discord destination %s has no webhook", config.Name)
	}
	return &DiscordDestination{name: config.Name, target: config.Discord, client: client}, nil
}

func (d *DiscordDestination) Name() string    { return d.name }
func (d *DiscordDestination) Type() string    { return cfg.DestinationDiscord }
func (d *DiscordDestination) UsesMedia() bool { return true }
func (d *DiscordDestination) Close() error    { return nil }

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	URL         string              `json:"url,omitempty"`
	Description string              `json:"description,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Author      *discordEmbedAuthor `json:"author,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
	Image       *discordEmbedImage  `json:"image,omitempty"`
}

type discordEmbedAuthor struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text"`
}

type discordEmbedImage struct {
	URL string `json:"url"`
}

type discordAttachment struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

// DiscordMessage is the webhook payload
type DiscordMessage struct {
	Content     string              `json:"content,omitempty"`
	Embeds      []discordEmbed      `json:"embeds"`
	Attachments []discordAttachment `json:"attachments,omitempty"`

	files []discordFile
}

type discordFile struct {
	name string
	path string
}

// Spoilered reports whether attachments for c must be hidden behind a spoiler
func (d *DiscordDestination) Spoilered(p *publisher.Post) bool {
	c := &p.Candidate
	return (c.Flags.NSFW && d.target.SpoilerNSFW) || (c.Flags.Spoiler && d.target.SpoilerSpoilers)
}

// BuildMessage converts a post into the webhook payload
func (d *DiscordDestination) BuildMessage(p *publisher.Post) DiscordMessage {
	c := &p.Candidate

	link := c.ShortLink()
	if c.Permalink != "" {
		link = redditBase + c.Permalink
	}

	embed := discordEmbed{
		Title: publisher.TrimToLimit(EscapeMarkdown(c.Title), discordTitleLimit),
		URL:   link,
		Color: d.target.EmbedColor,
	}
	if !c.CreatedAt.IsZero() {
		embed.Timestamp = c.CreatedAt.UTC().Format(time.RFC3339)
	}
	if c.Author != "" {
		embed.Author = &discordEmbedAuthor{Name: "u/" + c.Author, URL: redditBase + "/u/" + c.Author}
	}
	if c.Subreddit != "" {
		embed.Footer = &discordEmbedFooter{Text: "r/" + c.Subreddit}
	}

	msg := DiscordMessage{}
	if ext := p.Link(); ext != "" && p.Media.Empty() {
		// Discord unfurls links from content, not from embeds
		msg.Content = ext
		embed.Description = ext
	} else if c.Flags.Self && c.Body != "" {
		embed.Description = publisher.TrimToLimit(c.Body, discordDescriptionLimit)
	}

	spoiler := d.Spoilered(p)
	artifacts := d.uploadable(p.Artifacts())
	for i, a := range artifacts {
		name := a.Name
		if spoiler {
			name = "SPOILER_" + name
		}
		msg.files = append(msg.files, discordFile{name: name, path: a.Path})
		msg.Attachments = append(msg.Attachments, discordAttachment{ID: i, Filename: name})
	}

	// A single unspoilered image is shown inside the embed
	if len(artifacts) == 1 && !artifacts[0].IsVideo() && !spoiler {
		embed.Image = &discordEmbedImage{URL: "attachment://" + msg.files[0].name}
	}

	msg.Embeds = []discordEmbed{embed}
	return msg
}

func (d *DiscordDestination) uploadable(artifacts []media.Artifact) []media.Artifact {
	out := make([]media.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if a.Size > discordMaxFileBytes {
			log.Warn().
				Str("destination", d.name).
				Str("file", a.Name).
				Int64("bytes", a.Size).
				Msg("File exceeds Discord upload limit, omitting it")
			continue
		}
		if len(out) == discordMaxFiles {
			log.Warn().Str("destination", d.name).Msg("More files than Discord allows, omitting the rest")
			break
		}
		out = append(out, a)
	}
	return out
}

// Publish sends the post to the webhook
func (d *DiscordDestination) Publish(ctx context.Context, post *publisher.Post) error {
	msg := d.BuildMessage(post)

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("payload_json", string(payload)); err != nil {
		return err
	}
	for i, f := range msg.files {
		if err := attachFile(w, fmt.Sprintf("files[%d]", i), f); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	endpoint := d.target.WebhookURL
	if strings.Contains(endpoint, "?") {
		endpoint += "&wait=true"
	} else {
		endpoint += "?wait=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("invalid webhook for %s", d.name)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return redactURL(err)
	}
	defer resp.Body.Close()

	if err := checkResponse(d.name, resp); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)

	log.Info().Str("destination", d.name).Int("files", len(msg.files)).Msg("Posted to Discord")
	return nil
}

func attachFile(w *multipart.Writer, field string, f discordFile) error {
	src, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer src.Close()

	part, err := w.CreateFormFile(field, f.name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, src)
	return err
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`_`, `\_`,
	"`", "\\`",
	`~`, `\~`,
	`|`, `\|`,
	`>`, `\>`,
)

// EscapeMarkdown escapes Discord markdown control characters
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
