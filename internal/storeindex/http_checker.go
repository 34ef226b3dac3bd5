package storeindex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/imagingworks/seriesrelay/internal/seriesrelay"
)

// HTTPChecker asks the storage backend's REST API whether a series exists.
type HTTPChecker struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPChecker(baseURL string) *HTTPChecker {
	return NewHTTPCheckerWithClient(baseURL, &http.Client{Timeout: 15 * time.Second})
}

func NewHTTPCheckerWithClient(baseURL string, client *http.Client) *HTTPChecker {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPChecker{baseURL: baseURL, httpClient: client}
}

func (c *HTTPChecker) CheckSeries(ctx context.Context, source, seriesUID string) (*seriesrelay.FoundResource, error) {
	values := url.Values{}
	values.Set("source", source)
	values.Set("series_instance_uid", seriesUID)
	targetURL := fmt.Sprintf("%s/api/v1/series?%s", c.baseURL, values.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create existence request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("existence check for %s failed: %w", seriesUID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var resource seriesrelay.FoundResource
		if err := json.NewDecoder(resp.Body).Decode(&resource); err != nil {
			return nil, fmt.Errorf("failed to decode existence response: %w", err)
		}
		return &resource, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("existence check for %s returned status %d: %s", seriesUID, resp.StatusCode, body)
	}
}
