// Package source fetches candidate submissions from Reddit.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/common"
)

const (
	publicBase = "https://www.reddit.com"
	oauthBase  = "https://oauth.reddit.com"

	// Reddit caps a listing page at 100 items
	maxListingLimit = 100
	maxListingBytes = 16 << 20
	tokenSlack      = time.Minute
)

// Source returns candidates in source order
type Source interface {
	Fetch(ctx context.Context, subreddit string, sort common.SortMode, limit int) ([]common.Candidate, error)
}

// Config configures a RedditClient
type Config struct {
	ClientID     string
	ClientSecret string
	UserAgent    string
	Timeout      time.Duration

	// Overridable for tests
	PublicBase string
	OAuthBase  string
}

// ConfigFrom builds the client configuration from config and secrets
func ConfigFrom(c *cfg.Configuration, s *cfg.Secrets) Config {
	return Config{
		ClientID:     s.Reddit.ClientID,
		ClientSecret: s.Reddit.ClientSecret,
		UserAgent:    c.Reddit.UserAgent,
		Timeout:      time.Duration(c.Reddit.TimeoutSec) * time.Second,
	}
}

// RedditClient reads subreddit listings. With client credentials it uses
// app-only OAuth against oauth.reddit.com, otherwise the public JSON listings.
type RedditClient struct {
	config Config
	client *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewRedditClient creates a client. Providing only one of client id and
// secret is a credentials error.
func NewRedditClient(config Config) (*RedditClient, error) {
	if (config.ClientID == "") != (config.ClientSecret == "") {
		var missing []string
		if config.ClientID == "" {
			missing = append(missing, "reddit.client_id")
		} else {
			missing = append(missing, "reddit.client_secret")
		}
		return nil, &common.CredentialsError{Target: "reddit", Missing: missing}
	}
	if config.UserAgent == "" {
		return nil, &common.ConfigError{Field: "reddit.user_agent", Reason: "must be set"}
	}
	if config.PublicBase == "" {
		config.PublicBase = publicBase
	}
	if config.OAuthBase == "" {
		config.OAuthBase = oauthBase
	}

	if config.ClientID == "" {
		log.Info().Msg("No Reddit credentials configured, using public listings")
	}

	return &RedditClient{config: config, client: &http.Client{Timeout: config.Timeout}}, nil
}

func (r *RedditClient) authenticated() bool {
	return r.config.ClientID != ""
}

// ListingPath returns the listing path and query for sort
func ListingPath(subreddit string, sort common.SortMode, limit int) string {
	listing, period := sort.TimeFilter()
	q := url.Values{"raw_json": {"1"}}
	if sort != common.SortRandom {
		q.Set("limit", strconv.Itoa(limit))
	}
	if period != "" {
		q.Set("t", period)
	}
	return "/r/" + url.PathEscape(subreddit) + "/" + listing + ".json?" + q.Encode()
}

// Fetch returns up to limit candidates of subreddit in listing order
func (r *RedditClient) Fetch(ctx context.Context, subreddit string, sort common.SortMode, limit int) ([]common.Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	if limit > maxListingLimit {
		limit = maxListingLimit
	}

	base := r.config.PublicBase
	var token string
	if r.authenticated() {
		var err error
		if token, err = r.accessToken(ctx); err != nil {
			return nil, err
		}
		base = r.config.OAuthBase
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+ListingPath(subreddit, sort, limit), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.config.UserAgent)
	if token != "" {
		req.Header.Set("Authorization", "bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reddit listing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		r.invalidateToken()
	}

	if sort == common.SortRandom && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden) {
		return nil, &common.UnsupportedSortError{Sort: string(sort), Source: "r/" + subreddit}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("reddit listing r/%s returned status %d", subreddit, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read reddit listing: %w", err)
	}

	// A subreddit without random support answers with a plain listing or a
	// search page instead of a single submission
	if sort == common.SortRandom && !strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		return nil, &common.UnsupportedSortError{Sort: string(sort), Source: "r/" + subreddit}
	}

	listings, err := decodeListings(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode reddit listing: %w", err)
	}

	out := candidates(listings)
	if sort == common.SortRandom && len(out) == 0 {
		return nil, &common.UnsupportedSortError{Sort: string(sort), Source: "r/" + subreddit}
	}
	if len(out) > limit {
		out = out[:limit]
	}

	log.Debug().
		Str("subreddit", subreddit).
		Str("sort", string(sort)).
		Int("candidates", len(out)).
		Msg("Fetched listing")

	return out, nil
}

func (r *RedditClient) accessToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && time.Now().Before(r.expires) {
		return r.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.PublicBase+"/api/v1/access_token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(r.config.ClientID, r.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", r.config.UserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reddit token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &common.CredentialsError{Target: "reddit", Missing: []string{"valid reddit.client_id/client_secret"}}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("reddit token request returned status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode reddit token: %w", err)
	}
	if out.AccessToken == "" {
		return "", &common.CredentialsError{Target: "reddit", Missing: []string{"valid reddit.client_id/client_secret"}}
	}

	r.token = out.AccessToken
	r.expires = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenSlack)
	log.Debug().Time("expires", r.expires).Msg("Obtained Reddit access token")

	return r.token, nil
}

func (r *RedditClient) invalidateToken() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = ""
}
