package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/common"
)

// History engines
const (
	HistoryFile   = "file"
	HistoryPebble = "pebble"
	HistorySQL    = "sql"
	HistoryRedis  = "redis"
)

// BehaviorConfiguration controls how passes are scheduled
type BehaviorConfiguration struct {
	Loop             bool   `toml:"loop"`
	TimeBetweenPosts int    `toml:"time_between_posts"` // Minutes to sleep after each pass in loop mode
	Schedule         string `toml:"schedule"`           // Cron expression, takes precedence over time_between_posts
	PassTimeoutSec   int    `toml:"pass_timeout_seconds"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	LogLevel int    `toml:"log_level"` // 1=debug 2=info 3=warning 4=error 5=critical
	Logfile  string `toml:"logfile"`
	Format   string `toml:"format"` // "console" or "json"
}

// RedditConfiguration selects the content source and the global content policy
type RedditConfiguration struct {
	Subreddit     string   `toml:"subreddit"`
	Sort          string   `toml:"sort"`
	SearchLimit   int      `toml:"search_limit"`
	SkipNSFW      bool     `toml:"skip_nsfw"`
	SkipStickied  bool     `toml:"skip_stickied"`
	SkipSpoilers  bool     `toml:"skip_spoilers"`
	SkipLinkPosts bool     `toml:"skip_link_posts"`
	SkipDomains   []string `toml:"skip_domains"` // Glob patterns matched against the post domain
	UserAgent     string   `toml:"user_agent"`
	TimeoutSec    int      `toml:"timeout_seconds"`
}

// MediaConfiguration controls media acquisition
type MediaConfiguration struct {
	GetMedia       bool   `toml:"get_media"`
	OnlyGetMedia   bool   `toml:"only_get_media"`
	GetVideos      bool   `toml:"get_videos"`
	MediaFolder    string `toml:"media_folder"`
	CacheFile      string `toml:"cache_file"` // History file for the "file" engine
	FFmpegPath     string `toml:"ffmpeg_path"`
	TimeoutSec     int    `toml:"timeout_seconds"`
	ProbeCacheSize int    `toml:"probe_cache_size"`
}

// HistoryConfiguration selects the history store engine
type HistoryConfiguration struct {
	Engine    string `toml:"engine"` // file, pebble, sql, redis
	Path      string `toml:"path"`   // Directory for pebble, file path for file (defaults to media.cache_file)
	SQLDriver string `toml:"sql_driver"`
	SQLDSN    string `toml:"sql_dsn"`
	RedisURL  string `toml:"redis_url"` // Durable only as far as the server's appendfsync setting
	RedisKey  string `toml:"redis_key"`
}

// TwitterConfiguration for the Twitter destination
type TwitterConfiguration struct {
	PostToTwitter bool `toml:"post_to_twitter"`
	PostNSFW      bool `toml:"post_nsfw"`
	PostSpoilers  bool `toml:"post_spoilers"`
	TimeoutSec    int  `toml:"timeout_seconds"`
}

// DiscordChannelConfiguration names one webhook from the secrets file
type DiscordChannelConfiguration struct {
	Name string `toml:"name"`
	NSFW bool   `toml:"nsfw"` // Channel is marked NSFW on the Discord side
}

// DiscordConfiguration for the Discord webhook destinations
type DiscordConfiguration struct {
	PostToDiscord   bool                          `toml:"post_to_discord"`
	PostNSFW        bool                          `toml:"post_nsfw"`
	PostSpoilers    bool                          `toml:"post_spoilers"`
	SpoilerNSFW     bool                          `toml:"spoiler_nsfw"`
	SpoilerSpoilers bool                          `toml:"spoiler_spoilers"`
	EmbedColor      string                        `toml:"embed_color"`
	Channels        []DiscordChannelConfiguration `toml:"channels"`
	TimeoutSec      int                           `toml:"timeout_seconds"`
}

// MastodonConfiguration for the Mastodon destination
type MastodonConfiguration struct {
	PostToMastodon  bool   `toml:"post_to_mastodon"`
	InstanceURL     string `toml:"instance_url"`
	Visibility      string `toml:"visibility"`
	PostNSFW        bool   `toml:"post_nsfw"`
	PostSpoilers    bool   `toml:"post_spoilers"`
	SensitiveNSFW   bool   `toml:"sensitive_nsfw"`
	SpoilerSpoilers bool   `toml:"spoiler_spoilers"`
	TimeoutSec      int    `toml:"timeout_seconds"`
}

// EventSinkConfiguration describes a message broker receiving an event per republished post
type EventSinkConfiguration struct {
	Name         string   `toml:"name"`
	Type         string   `toml:"type"`   // "kafka" or "nats"
	Format       string   `toml:"format"` // "json" or "msgpack"
	Brokers      []string `toml:"brokers"`
	NatsURL      string   `toml:"nats_url"`
	Topic        string   `toml:"topic"`
	Compress     bool     `toml:"compress"`
	PostNSFW     bool     `toml:"post_nsfw"`
	PostSpoilers bool     `toml:"post_spoilers"`
	TimeoutSec   int      `toml:"timeout_seconds"`
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the admin HTTP server
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID  uint64 `toml:"instance_id"`
	SecretsFile string `toml:"secrets_file"`

	Behavior   BehaviorConfiguration    `toml:"behavior"`
	Logging    LoggingConfiguration     `toml:"logging"`
	Reddit     RedditConfiguration      `toml:"reddit"`
	Media      MediaConfiguration       `toml:"media"`
	History    HistoryConfiguration     `toml:"history"`
	Twitter    TwitterConfiguration     `toml:"twitter"`
	Discord    DiscordConfiguration     `toml:"discord"`
	Mastodon   MastodonConfiguration    `toml:"mastodon"`
	EventSinks []EventSinkConfiguration `toml:"event_sinks"`
	Prometheus PrometheusConfiguration  `toml:"prometheus"`
	Admin      AdminConfiguration       `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag  = flag.String("config", "config.toml", "Path to configuration file")
	SecretsPathFlag = flag.String("secrets", "", "Path to secrets file (overrides config)")
	OnceFlag        = flag.Bool("once", false, "Run a single pass and exit, ignoring behavior.loop")
	LogLevelFlag    = flag.Int("log-level", 0, "Log level 1-5 (overrides config)")
)

// Default returns a configuration populated with defaults
func Default() *Configuration {
	return &Configuration{
		SecretsFile: "secrets.toml",

		Behavior: BehaviorConfiguration{
			Loop:             false,
			TimeBetweenPosts: 60,
			PassTimeoutSec:   600,
		},

		Logging: LoggingConfiguration{
			LogLevel: 2,
			Format:   "console",
		},

		Reddit: RedditConfiguration{
			Sort:         string(common.SortHot),
			SearchLimit:  10,
			SkipStickied: true,
			UserAgent:    "tootbot/2",
			TimeoutSec:   30,
		},

		Media: MediaConfiguration{
			GetMedia:       true,
			GetVideos:      true,
			MediaFolder:    "media",
			CacheFile:      "cache.csv",
			FFmpegPath:     "ffmpeg",
			TimeoutSec:     300,
			ProbeCacheSize: 512,
		},

		History: HistoryConfiguration{
			Engine:   HistoryFile,
			RedisKey: "tootbot:history",
		},

		Twitter: TwitterConfiguration{
			PostNSFW:     true,
			PostSpoilers: true,
			TimeoutSec:   120,
		},

		Discord: DiscordConfiguration{
			PostNSFW:        true,
			PostSpoilers:    true,
			SpoilerNSFW:     true,
			SpoilerSpoilers: true,
			EmbedColor:      "#ff4500",
			TimeoutSec:      60,
		},

		Mastodon: MastodonConfiguration{
			Visibility:      "public",
			PostNSFW:        true,
			PostSpoilers:    true,
			SensitiveNSFW:   true,
			SpoilerSpoilers: true,
			TimeoutSec:      120,
		},

		Prometheus: PrometheusConfiguration{
			Enabled: false,
		},

		Admin: AdminConfiguration{
			Enabled: false,
			Address: "127.0.0.1",
			Port:    8090,
		},
	}
}

// Load reads configuration from file on top of the defaults and applies CLI overrides
func Load(configPath string) (*Configuration, error) {
	config := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, config); err != nil {
				return nil, &common.ConfigError{Field: configPath, Reason: err.Error()}
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *SecretsPathFlag != "" {
		config.SecretsFile = *SecretsPathFlag
	}
	if *LogLevelFlag != 0 {
		config.Logging.LogLevel = *LogLevelFlag
	}
	if *OnceFlag {
		config.Behavior.Loop = false
	}

	if config.InstanceID == 0 {
		id, err := generateInstanceID()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to derive instance ID from machine ID")
		} else {
			config.InstanceID = id
			log.Debug().Uint64("instance_id", id).Msg("Auto-generated instance ID")
		}
	}

	return config, nil
}

// generateInstanceID creates a stable instance ID based on machine ID
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("tootbot")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func (c *Configuration) Validate() error {
	if strings.TrimSpace(c.Reddit.Subreddit) == "" {
		return &common.ConfigError{Field: "reddit.subreddit", Reason: "must be set"}
	}

	if _, err := common.ParseSortMode(c.Reddit.Sort); err != nil {
		return err
	}

	if c.Reddit.SearchLimit < 0 {
		return &common.ConfigError{Field: "reddit.search_limit", Reason: "must be >= 0"}
	}

	if c.Logging.LogLevel < 1 || c.Logging.LogLevel > 5 {
		return &common.ConfigError{Field: "logging.log_level", Reason: fmt.Sprintf("%d is outside 1-5", c.Logging.LogLevel)}
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return &common.ConfigError{Field: "logging.format", Reason: "must be console or json"}
	}

	if c.Behavior.Loop && c.Behavior.Schedule == "" && c.Behavior.TimeBetweenPosts < 1 {
		return &common.ConfigError{Field: "behavior.time_between_posts", Reason: "must be >= 1 minute in loop mode"}
	}

	if c.Media.OnlyGetMedia && !c.Media.GetMedia {
		log.Warn().Msg("media.only_get_media is set while media.get_media is off; media posts will be reposted as text")
	}

	switch c.History.Engine {
	case HistoryFile, HistoryPebble:
	case HistorySQL:
		if c.History.SQLDriver == "" || c.History.SQLDSN == "" {
			return &common.ConfigError{Field: "history.sql_dsn", Reason: "sql engine requires sql_driver and sql_dsn"}
		}
	case HistoryRedis:
		if c.History.RedisURL == "" {
			return &common.ConfigError{Field: "history.redis_url", Reason: "redis engine requires redis_url"}
		}
	default:
		return &common.ConfigError{Field: "history.engine", Reason: "unknown engine " + c.History.Engine}
	}

	if _, err := ParseColor(c.Discord.EmbedColor); err != nil {
		return &common.ConfigError{Field: "discord.embed_color", Reason: err.Error()}
	}

	if c.Discord.PostToDiscord && len(c.Discord.Channels) == 0 {
		return &common.ConfigError{Field: "discord.channels", Reason: "post_to_discord is set but no channels are configured"}
	}

	if c.Mastodon.PostToMastodon && c.Mastodon.InstanceURL == "" {
		return &common.ConfigError{Field: "mastodon.instance_url", Reason: "must be set when post_to_mastodon is enabled"}
	}

	seen := make(map[string]struct{}, len(c.EventSinks))
	for _, s := range c.EventSinks {
		if s.Name == "" {
			return &common.ConfigError{Field: "event_sinks.name", Reason: "must be set"}
		}
		if _, dup := seen[s.Name]; dup {
			return &common.ConfigError{Field: "event_sinks.name", Reason: "duplicate sink " + s.Name}
		}
		seen[s.Name] = struct{}{}

		if s.Topic == "" {
			return &common.ConfigError{Field: "event_sinks.topic", Reason: "sink " + s.Name + " has no topic"}
		}
		if s.Format != "" && s.Format != "json" && s.Format != "msgpack" {
			return &common.ConfigError{Field: "event_sinks.format", Reason: "unknown format " + s.Format}
		}
	}

	if !c.Twitter.PostToTwitter && !c.Discord.PostToDiscord && !c.Mastodon.PostToMastodon && len(c.EventSinks) == 0 {
		return &common.ConfigError{Field: "destinations", Reason: "no destination is enabled"}
	}

	if name, dup := c.duplicateDestination(); dup {
		return &common.ConfigError{Field: "destinations", Reason: "duplicate destination name " + name}
	}

	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return &common.ConfigError{Field: "admin.port", Reason: fmt.Sprintf("invalid port %d", c.Admin.Port)}
	}

	return nil
}

// duplicateDestination reports the first resolved destination name used
// twice, counting discord channels as "discord:<name>"
func (c *Configuration) duplicateDestination() (string, bool) {
	var names []string
	if c.Twitter.PostToTwitter {
		names = append(names, DestinationTwitter)
	}
	if c.Discord.PostToDiscord {
		for _, ch := range c.Discord.Channels {
			names = append(names, DestinationDiscord+":"+ch.Name)
		}
	}
	if c.Mastodon.PostToMastodon {
		names = append(names, DestinationMastodon)
	}
	for _, s := range c.EventSinks {
		names = append(names, s.Name)
	}

	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			return n, true
		}
		seen[n] = struct{}{}
	}
	return "", false
}

// HistoryPath returns the configured history location, falling back to media.cache_file
func (c *Configuration) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	if c.History.Engine == HistoryPebble {
		return "history"
	}
	return c.Media.CacheFile
}

// PassTimeout bounds a single pass
func (c *Configuration) PassTimeout() time.Duration {
	return seconds(c.Behavior.PassTimeoutSec)
}

// Interval is the delay between passes in loop mode
func (c *Configuration) Interval() time.Duration {
	return time.Duration(c.Behavior.TimeBetweenPosts) * time.Minute
}

// ZerologLevel maps the 1-5 log level onto zerolog. Critical maps to
// FatalLevel; callers log critical events with log.WithLevel so nothing exits.
func ZerologLevel(level int) zerolog.Level {
	switch {
	case level <= 1:
		return zerolog.DebugLevel
	case level == 2:
		return zerolog.InfoLevel
	case level == 3:
		return zerolog.WarnLevel
	case level == 4:
		return zerolog.ErrorLevel
	default:
		return zerolog.FatalLevel
	}
}

// ParseColor parses "#rrggbb" or "0xrrggbb" into an RGB integer
func ParseColor(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	hex := strings.TrimPrefix(strings.TrimPrefix(strings.ToLower(s), "#"), "0x")
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil || len(hex) != 6 {
		return 0, fmt.Errorf("invalid colour %q", s)
	}
	return int(v), nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
