package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/NamanBalaji/sharebridge/internal/logger"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 * 1024
)

// HTTPProvider queries an external search service:
// GET {endpoint}/search?kind=&q=&season=&ep= returning a JSON array.
type HTTPProvider struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPProvider(endpoint, token string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HTTPProvider{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Search(ctx context.Context, q Query) ([]Result, error) {
	v := url.Values{}
	v.Set("q", q.Text)

	if q.Kind != "" {
		v.Set("kind", string(q.Kind))
	}

	if q.Season > 0 {
		v.Set("season", strconv.Itoa(q.Season))
	}

	if q.Episode > 0 {
		v.Set("ep", strconv.Itoa(q.Episode))
	}

	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}

	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/search?"+v.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
		}

		return nil, fmt.Errorf("search rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var results []Result
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	logger.Debugf("Search %q (%s s%d e%d) returned %d results", q.Text, q.Kind, q.Season, q.Episode, len(results))

	return results, nil
}
