package cfg

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// RedditSecrets are app-only OAuth credentials. Both empty means the public
// JSON listing is used instead.
type RedditSecrets struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// TwitterSecrets are OAuth 1.0a user-context credentials
type TwitterSecrets struct {
	ConsumerKey       string `toml:"consumer_key"`
	ConsumerSecret    string `toml:"consumer_secret"`
	AccessToken       string `toml:"access_token"`
	AccessTokenSecret string `toml:"access_token_secret"`
}

// DiscordSecrets maps channel names to webhook URLs
type DiscordSecrets struct {
	Webhooks map[string]string `toml:"webhooks"`
}

// MastodonSecrets holds the bearer token for the account posting statuses
type MastodonSecrets struct {
	AccessToken string `toml:"access_token"`
}

// AdminSecrets protects the admin HTTP server
type AdminSecrets struct {
	Token string `toml:"token"`
}

// Secrets is the credential store, kept in a file separate from config.toml
type Secrets struct {
	Reddit   RedditSecrets   `toml:"reddit"`
	Twitter  TwitterSecrets  `toml:"twitter"`
	Discord  DiscordSecrets  `toml:"discord"`
	Mastodon MastodonSecrets `toml:"mastodon"`
	Admin    AdminSecrets    `toml:"admin"`
}

// LoadSecrets reads the secrets file. A missing file yields empty secrets;
// enabled destinations then fail validation in Destinations.
func LoadSecrets(path string) (*Secrets, error) {
	secrets := &Secrets{}
	if path == "" {
		return secrets, nil
	}

	if _, err := os.Stat(path); err != nil {
		log.Warn().Str("path", path).Msg("Secrets file not found")
		return secrets, nil
	}

	if _, err := toml.DecodeFile(path, secrets); err != nil {
		return nil, fmt.Errorf("failed to decode secrets: %w", err)
	}

	return secrets, nil
}

// String never prints credential values.
func (s *Secrets) String() string {
	return fmt.Sprintf("Secrets{reddit:%t twitter:%t discord:%d mastodon:%t admin:%t}",
		s.Reddit.ClientID != "",
		s.Twitter.ConsumerKey != "",
		len(s.Discord.Webhooks),
		s.Mastodon.AccessToken != "",
		s.Admin.Token != "")
}
