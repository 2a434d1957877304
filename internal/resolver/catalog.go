/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/friendsincode/nmstereo/internal/telemetry"
)

// Catalog looks up metadata for a single track URI.
type Catalog interface {
	Lookup(ctx context.Context, uri string) (*models.Track, error)
}

// HTTPCatalog queries a lookup web service: GET <base>?uri=<uri>.
type HTTPCatalog struct {
	baseURL string
	client  *http.Client
}

// NewHTTPCatalog creates a catalog client with the given request timeout.
func NewHTTPCatalog(baseURL string, timeout time.Duration) *HTTPCatalog {
	return &HTTPCatalog{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type lookupResponse struct {
	Track *models.Track `json:"track"`
}

// Lookup fetches track metadata. The URI is stored as the track's href.
func (c *HTTPCatalog) Lookup(ctx context.Context, uri string) (*models.Track, error) {
	start := time.Now()
	defer func() {
		telemetry.CatalogLookupDuration.Observe(time.Since(start).Seconds())
	}()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse catalog url: %w", err)
	}
	q := u.Query()
	q.Set("uri", uri)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "nmstereo")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("lookup %s: catalog returned %d", uri, resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode lookup %s: %w", uri, err)
	}
	if body.Track == nil {
		return nil, fmt.Errorf("lookup %s: response has no track", uri)
	}
	if body.Track.Href == "" {
		body.Track.Href = uri
	}
	return body.Track, nil
}
