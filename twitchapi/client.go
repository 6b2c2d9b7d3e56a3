// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs for stream liveness, user id resolution and follow lookups, using an
// app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/onnwee/stream-sentry/pipeline"
)

const (
	helixBaseURL  = "https://api.twitch.tv/helix"
	tokenURL      = "https://id.twitch.tv/oauth2/token"
	streamBatch   = 100
	thumbnailSize = "160x90"

	thumbnailTimeout  = 2 * time.Second
	maxThumbnailBytes = 2 << 20
)

// Client calls the Helix API with a cached client-credentials token.
// NOTE: app access tokens cannot be used for IRC chat; chat requires a user
// (bot) OAuth token with chat:read/chat:edit scopes.
type Client struct {
	ClientID   string
	Username   string
	BaseURL    string
	HTTPClient *http.Client

	tokens oauth2.TokenSource

	mu      sync.Mutex
	selfID  string
	userIDs map[string]string
}

// NewClient builds a Helix client. username is the bot account login, used
// for followed-channel lookups.
func NewClient(clientID, clientSecret, username string) *Client {
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return &Client{
		ClientID: clientID,
		Username: strings.ToLower(username),
		BaseURL:  helixBaseURL,
		tokens:   cc.TokenSource(context.Background()),
		userIDs:  make(map[string]string),
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// get performs one authenticated Helix GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, query map[string][]string, out any) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("app token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserID resolves a login name to its user ID, caching results.
func (c *Client) GetUserID(ctx context.Context, login string) (string, error) {
	login = strings.ToLower(login)
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	c.mu.Lock()
	if id, ok := c.userIDs[login]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	ids, err := c.getUserIDs(ctx, []string{login})
	if err != nil {
		return "", err
	}
	id, ok := ids[login]
	if !ok {
		return "", fmt.Errorf("user not found")
	}
	return id, nil
}

func (c *Client) getUserIDs(ctx context.Context, logins []string) (map[string]string, error) {
	out := make(map[string]string, len(logins))
	var misses []string
	c.mu.Lock()
	for _, l := range logins {
		l = strings.ToLower(l)
		if id, ok := c.userIDs[l]; ok {
			out[l] = id
		} else {
			misses = append(misses, l)
		}
	}
	c.mu.Unlock()

	for start := 0; start < len(misses); start += streamBatch {
		end := min(start+streamBatch, len(misses))
		var body struct {
			Data []struct {
				ID    string `json:"id"`
				Login string `json:"login"`
			} `json:"data"`
		}
		if err := c.get(ctx, "/users", map[string][]string{"login": misses[start:end]}, &body); err != nil {
			return nil, err
		}
		c.mu.Lock()
		for _, u := range body.Data {
			login := strings.ToLower(u.Login)
			c.userIDs[login] = u.ID
			out[login] = u.ID
		}
		c.mu.Unlock()
	}
	return out, nil
}

// GetStreams returns live-stream info for the given logins, batching requests
// at the Helix limit of 100 logins each. Offline logins are simply absent.
func (c *Client) GetStreams(ctx context.Context, logins []string) ([]pipeline.LiveInfo, error) {
	var out []pipeline.LiveInfo
	for start := 0; start < len(logins); start += streamBatch {
		end := min(start+streamBatch, len(logins))
		var body struct {
			Data []struct {
				UserLogin    string `json:"user_login"`
				Title        string `json:"title"`
				GameName     string `json:"game_name"`
				ViewerCount  int    `json:"viewer_count"`
				ThumbnailURL string `json:"thumbnail_url"`
				StartedAt    string `json:"started_at"`
			} `json:"data"`
		}
		if err := c.get(ctx, "/streams", map[string][]string{"user_login": logins[start:end]}, &body); err != nil {
			return nil, err
		}
		for _, s := range body.Data {
			started, _ := time.Parse(time.RFC3339, s.StartedAt)
			out = append(out, pipeline.LiveInfo{
				Login:        strings.ToLower(s.UserLogin),
				Title:        s.Title,
				Game:         s.GameName,
				Viewers:      s.ViewerCount,
				ThumbnailURL: s.ThumbnailURL,
				StartedAt:    started,
			})
		}
	}
	return out, nil
}

// GetFollowedChannels returns the logins the bot account follows, walking
// the pagination cursor to the end.
func (c *Client) GetFollowedChannels(ctx context.Context) ([]string, error) {
	selfID, err := c.ownUserID(ctx)
	if err != nil {
		return nil, err
	}

	var logins []string
	cursor := ""
	for {
		query := map[string][]string{
			"user_id": {selfID},
			"first":   {"100"},
		}
		if cursor != "" {
			query["after"] = []string{cursor}
		}
		var body struct {
			Data []struct {
				BroadcasterLogin string `json:"broadcaster_login"`
			} `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := c.get(ctx, "/channels/followed", query, &body); err != nil {
			return nil, err
		}
		for _, d := range body.Data {
			logins = append(logins, strings.ToLower(d.BroadcasterLogin))
		}
		if body.Pagination.Cursor == "" {
			return logins, nil
		}
		cursor = body.Pagination.Cursor
	}
}

// GetFollowerCounts returns the follower total for each login that resolves.
func (c *Client) GetFollowerCounts(ctx context.Context, logins []string) (map[string]int, error) {
	ids, err := c.getUserIDs(ctx, logins)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(ids))
	for login, id := range ids {
		var body struct {
			Total int `json:"total"`
		}
		query := map[string][]string{"broadcaster_id": {id}, "first": {"1"}}
		if err := c.get(ctx, "/channels/followers", query, &body); err != nil {
			slog.Warn("follower count lookup failed", slog.String("login", login), slog.Any("err", err))
			continue
		}
		out[login] = body.Total
	}
	return out, nil
}

// FetchThumbnail downloads a stream thumbnail, substituting the Helix
// {width}/{height} placeholders. Bounded by a short timeout so a slow CDN
// cannot stall a poll cycle.
func (c *Client) FetchThumbnail(ctx context.Context, url string) ([]byte, error) {
	url = strings.ReplaceAll(url, "{width}x{height}", thumbnailSize)
	url = strings.ReplaceAll(url, "{width}", strings.SplitN(thumbnailSize, "x", 2)[0])
	url = strings.ReplaceAll(url, "{height}", strings.SplitN(thumbnailSize, "x", 2)[1])

	ctx, cancel := context.WithTimeout(ctx, thumbnailTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("thumbnail fetch: %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxThumbnailBytes))
}

func (c *Client) ownUserID(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.selfID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}
	if c.Username == "" {
		return "", fmt.Errorf("bot username not configured")
	}
	id, err := c.GetUserID(ctx, c.Username)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.selfID = id
	c.mu.Unlock()
	return id, nil
}
