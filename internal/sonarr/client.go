// Package sonarr imports the episode library from a Sonarr instance: a
// thin v3 API client and a sync routine that mirrors series, episodes,
// and media files into the local store.
package sonarr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cliparr/internal/services"
)

// Series is one show as Sonarr reports it.
type Series struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Path  string `json:"path"`
}

// Episode is one episode row from Sonarr.
type Episode struct {
	ID            int64  `json:"id"`
	SeriesID      int64  `json:"seriesId"`
	SeasonNumber  int    `json:"seasonNumber"`
	EpisodeNumber int    `json:"episodeNumber"`
	Title         string `json:"title"`
	EpisodeFileID int64  `json:"episodeFileId"`
	HasFile       bool   `json:"hasFile"`
}

// EpisodeFile is one media file row from Sonarr.
type EpisodeFile struct {
	ID           int64  `json:"id"`
	SeriesID     int64  `json:"seriesId"`
	SeasonNumber int    `json:"seasonNumber"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
}

// Client talks to the Sonarr v3 API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client for the given Sonarr URL and API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Ping verifies connectivity and credentials.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Version string `json:"version"`
	}
	return c.get(ctx, "/api/v3/system/status", nil, &status)
}

// Series lists every show Sonarr manages.
func (c *Client) Series(ctx context.Context) ([]Series, error) {
	var out []Series
	if err := c.get(ctx, "/api/v3/series", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Episodes lists the episodes of one series.
func (c *Client) Episodes(ctx context.Context, seriesID int64) ([]Episode, error) {
	var out []Episode
	query := url.Values{"seriesId": []string{strconv.FormatInt(seriesID, 10)}}
	if err := c.get(ctx, "/api/v3/episode", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EpisodeFiles lists the media files of one series.
func (c *Client) EpisodeFiles(ctx context.Context, seriesID int64) ([]EpisodeFile, error) {
	var out []EpisodeFile
	query := url.Values{"seriesId": []string{strconv.FormatInt(seriesID, 10)}}
	if err := c.get(ctx, "/api/v3/episodefile", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "sonarr", "request", path, err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "sonarr", "request", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return services.Wrap(services.ErrConfiguration, "sonarr", "request", "API key rejected", nil)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return services.Wrap(services.ErrTransient, "sonarr", "request",
			fmt.Sprintf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return services.Wrap(services.ErrTransient, "sonarr", "decode", path, err)
	}
	return nil
}
