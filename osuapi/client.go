package osuapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mawnt/renderbot/render"
)

// Client provides the beatmap lookups the resolver needs. Base URLs are
// overridable so tests can point at an httptest server.
type Client struct {
	TokenSource *TokenSource
	HTTPClient  *http.Client
	APIBase     string // defaults to https://osu.ppy.sh/api/v2
	FileBase    string // defaults to https://osu.ppy.sh/osu

	// MaxFetchAttempts bounds the .osu download retry loop (default 5).
	MaxFetchAttempts uint
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) apiBase() string {
	if c.APIBase != "" {
		return c.APIBase
	}
	return "https://osu.ppy.sh/api/v2"
}

func (c *Client) fileBase() string {
	if c.FileBase != "" {
		return c.FileBase
	}
	return "https://osu.ppy.sh/osu"
}

// Beatmap is the subset of osu! API v2 beatmap metadata the pipeline uses.
type Beatmap struct {
	ID       int     `json:"id"`
	SetID    int     `json:"beatmapset_id"`
	Version  string  `json:"version"`
	Checksum string  `json:"checksum"`
	Status   string  `json:"status"`
	Stars    float64 `json:"difficulty_rating"`
}

// LookupBeatmap fetches metadata for a beatmap id.
func (c *Client) LookupBeatmap(ctx context.Context, id int) (*Beatmap, error) {
	tok, err := c.TokenSource.Get(ctx)
	if err != nil {
		return nil, render.E(render.KindRemoteUnavailable, "osuapi.lookup", err)
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/beatmaps/%d", c.apiBase(), id), nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, render.E(render.KindRemoteUnavailable, "osuapi.lookup", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, render.Ef(render.KindNotFound, "osuapi.lookup", "beatmap %d", id)
	case resp.StatusCode != http.StatusOK:
		return nil, render.Ef(render.KindRemoteUnavailable, "osuapi.lookup", "status %s for beatmap %d", resp.Status, id)
	}
	var bm Beatmap
	if err := json.NewDecoder(resp.Body).Decode(&bm); err != nil {
		return nil, render.E(render.KindInvalidFormat, "osuapi.lookup", err)
	}
	return &bm, nil
}

// FetchBeatmapFile downloads the raw .osu file for a beatmap id, retrying
// transient failures with exponential backoff. The server occasionally
// answers rate-limited requests with an HTML page instead of a status code,
// which counts as a retryable response.
func (c *Client) FetchBeatmapFile(ctx context.Context, id int) ([]byte, error) {
	attempts := c.MaxFetchAttempts
	if attempts == 0 {
		attempts = 5
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		b, err := c.fetchOnce(ctx, id)
		if err != nil {
			if render.KindOf(err).Retryable() {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return b, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(attempts))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) fetchOnce(ctx context.Context, id int) ([]byte, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%d", c.fileBase(), id), nil)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, render.E(render.KindRemoteUnavailable, "osuapi.fetch", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, render.Ef(render.KindNotFound, "osuapi.fetch", "beatmap %d", id)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, render.Ef(render.KindRemoteUnavailable, "osuapi.fetch", "status %s for beatmap %d", resp.Status, id)
	case resp.StatusCode != http.StatusOK:
		return nil, render.Ef(render.KindRemoteUnavailable, "osuapi.fetch", "unexpected status %s for beatmap %d", resp.Status, id)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, render.E(render.KindRemoteUnavailable, "osuapi.fetch", err)
	}
	if len(body) == 0 {
		return nil, render.Ef(render.KindNotFound, "osuapi.fetch", "empty body for beatmap %d", id)
	}
	if len(body) > 6 && string(body[:6]) == "<html>" {
		return nil, render.Ef(render.KindRemoteUnavailable, "osuapi.fetch", "rate-limited html response for beatmap %d", id)
	}
	return body, nil
}
