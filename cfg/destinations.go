package cfg

import (
	"slices"
	"time"

	"github.com/tootbot/tootbot/common"
)

// Destination types
const (
	DestinationTwitter  = "twitter"
	DestinationDiscord  = "discord"
	DestinationMastodon = "mastodon"
	DestinationKafka    = "kafka"
	DestinationNats     = "nats"
)

// DiscordTarget is one resolved Discord webhook
type DiscordTarget struct {
	WebhookURL      string
	SpoilerNSFW     bool
	SpoilerSpoilers bool
	EmbedColor      int
}

// MastodonTarget is the resolved Mastodon account
type MastodonTarget struct {
	InstanceURL     string
	AccessToken     string
	Visibility      string
	SensitiveNSFW   bool
	SpoilerSpoilers bool
}

// DestinationConfiguration is one enabled destination with its policy
// overrides and resolved credentials. Only the section matching Type is set.
type DestinationConfiguration struct {
	Name         string
	Type         string
	PostNSFW     bool
	PostSpoilers bool
	Timeout      time.Duration

	Twitter  TwitterSecrets
	Discord  DiscordTarget
	Mastodon MastodonTarget
	Event    EventSinkConfiguration
}

// Destinations flattens every enabled destination. An enabled destination
// whose secrets are missing is a CredentialsError.
func (c *Configuration) Destinations(secrets *Secrets) ([]DestinationConfiguration, error) {
	if secrets == nil {
		secrets = &Secrets{}
	}

	var out []DestinationConfiguration

	if c.Twitter.PostToTwitter {
		tw := secrets.Twitter
		var missing []string
		for name, v := range map[string]string{
			"twitter.consumer_key":        tw.ConsumerKey,
			"twitter.consumer_secret":     tw.ConsumerSecret,
			"twitter.access_token":        tw.AccessToken,
			"twitter.access_token_secret": tw.AccessTokenSecret,
		} {
			if v == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			slices.Sort(missing)
			return nil, &common.CredentialsError{Target: DestinationTwitter, Missing: missing}
		}

		out = append(out, DestinationConfiguration{
			Name:         DestinationTwitter,
			Type:         DestinationTwitter,
			PostNSFW:     c.Twitter.PostNSFW,
			PostSpoilers: c.Twitter.PostSpoilers,
			Timeout:      seconds(c.Twitter.TimeoutSec),
			Twitter:      tw,
		})
	}

	if c.Discord.PostToDiscord {
		color, err := ParseColor(c.Discord.EmbedColor)
		if err != nil {
			return nil, &common.ConfigError{Field: "discord.embed_color", Reason: err.Error()}
		}

		for _, ch := range c.Discord.Channels {
			url := secrets.Discord.Webhooks[ch.Name]
			if url == "" {
				return nil, &common.CredentialsError{
					Target:  DestinationDiscord + ":" + ch.Name,
					Missing: []string{"discord.webhooks." + ch.Name},
				}
			}

			out = append(out, DestinationConfiguration{
				Name: DestinationDiscord + ":" + ch.Name,
				Type: DestinationDiscord,
				// NSFW content only goes to channels marked NSFW
				PostNSFW:     c.Discord.PostNSFW && ch.NSFW,
				PostSpoilers: c.Discord.PostSpoilers,
				Timeout:      seconds(c.Discord.TimeoutSec),
				Discord: DiscordTarget{
					WebhookURL:      url,
					SpoilerNSFW:     c.Discord.SpoilerNSFW,
					SpoilerSpoilers: c.Discord.SpoilerSpoilers,
					EmbedColor:      color,
				},
			})
		}
	}

	if c.Mastodon.PostToMastodon {
		if secrets.Mastodon.AccessToken == "" {
			return nil, &common.CredentialsError{Target: DestinationMastodon, Missing: []string{"mastodon.access_token"}}
		}

		out = append(out, DestinationConfiguration{
			Name:         DestinationMastodon,
			Type:         DestinationMastodon,
			PostNSFW:     c.Mastodon.PostNSFW,
			PostSpoilers: c.Mastodon.PostSpoilers,
			Timeout:      seconds(c.Mastodon.TimeoutSec),
			Mastodon: MastodonTarget{
				InstanceURL:     c.Mastodon.InstanceURL,
				AccessToken:     secrets.Mastodon.AccessToken,
				Visibility:      c.Mastodon.Visibility,
				SensitiveNSFW:   c.Mastodon.SensitiveNSFW,
				SpoilerSpoilers: c.Mastodon.SpoilerSpoilers,
			},
		})
	}

	for _, s := range c.EventSinks {
		timeout := seconds(s.TimeoutSec)
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		out = append(out, DestinationConfiguration{
			Name:         s.Name,
			Type:         s.Type,
			PostNSFW:     s.PostNSFW,
			PostSpoilers: s.PostSpoilers,
			Timeout:      timeout,
			Event:        s,
		})
	}

	return out, nil
}
