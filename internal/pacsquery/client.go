// Package pacsquery is the HTTP client for the query service that resolves
// search terms into study/series metadata and triggers pulls.
package pacsquery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/imagingworks/seriesrelay/internal/seriesrelay"
)

// DefaultLimit caps one query's result set. There is no pagination; the
// service flags truncation instead and callers surface a warning.
const DefaultLimit = 30

type Client struct {
	baseURL    string
	httpClient *http.Client
	limit      int
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return NewClientWithHTTPClient(baseURL, &http.Client{Timeout: timeout})
}

// NewClientWithHTTPClient allows passing an instrumented or test client.
func NewClientWithHTTPClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: client, limit: DefaultLimit}
}

// Filter carries the human search terms. Empty fields are omitted from the
// query.
type Filter struct {
	PatientID         string
	AccessionNumber   string
	StudyInstanceUID  string
	SeriesInstanceUID string
}

// QueryResult is an ordered list of studies with their series, plus a flag
// set when the service had more matches than the fixed limit.
type QueryResult struct {
	Studies   []seriesrelay.StudyInfo
	Truncated bool
}

type studyDocument struct {
	StudyInstanceUID           string           `json:"StudyInstanceUID"`
	StudyDescription           string           `json:"StudyDescription,omitempty"`
	StudyDate                  string           `json:"StudyDate,omitempty"`
	PatientID                  string           `json:"PatientID,omitempty"`
	AccessionNumber            string           `json:"AccessionNumber,omitempty"`
	NumberOfStudyRelatedSeries int              `json:"NumberOfStudyRelatedSeries"`
	Series                     []seriesDocument `json:"series"`
}

type seriesDocument struct {
	SeriesInstanceUID              string `json:"SeriesInstanceUID"`
	SeriesDescription              string `json:"SeriesDescription,omitempty"`
	Modality                       string `json:"Modality,omitempty"`
	NumberOfSeriesRelatedInstances int    `json:"NumberOfSeriesRelatedInstances"`
}

type queryResponse struct {
	Studies   []studyDocument `json:"studies"`
	Truncated bool            `json:"truncated"`
}

type retrieveRequest struct {
	Source            string `json:"source"`
	SeriesInstanceUID string `json:"SeriesInstanceUID"`
}

// Query resolves filter against one named source and returns its studies and
// series in service order.
func (c *Client) Query(ctx context.Context, source string, filter Filter) (QueryResult, error) {
	values := url.Values{}
	values.Set("source", source)
	values.Set("limit", fmt.Sprintf("%d", c.limit))
	if filter.PatientID != "" {
		values.Set("patient_id", filter.PatientID)
	}
	if filter.AccessionNumber != "" {
		values.Set("accession_number", filter.AccessionNumber)
	}
	if filter.StudyInstanceUID != "" {
		values.Set("study_instance_uid", filter.StudyInstanceUID)
	}
	if filter.SeriesInstanceUID != "" {
		values.Set("series_instance_uid", filter.SeriesInstanceUID)
	}

	targetURL := fmt.Sprintf("%s/api/v1/query?%s", c.baseURL, values.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to create query request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query against %s failed: %w", source, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return QueryResult{}, fmt.Errorf("query against %s returned status %d: %s", source, resp.StatusCode, body)
	}

	var decoded queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return QueryResult{}, fmt.Errorf("failed to decode query response: %w", err)
	}

	result := QueryResult{Truncated: decoded.Truncated}
	for _, study := range decoded.Studies {
		info := seriesrelay.StudyInfo{
			Source:           source,
			StudyInstanceUID: study.StudyInstanceUID,
			Description:      study.StudyDescription,
			PatientID:        study.PatientID,
			AccessionNumber:  study.AccessionNumber,
			StudyDate:        study.StudyDate,
			SeriesCount:      study.NumberOfStudyRelatedSeries,
		}
		for _, series := range study.Series {
			info.Series = append(info.Series, seriesrelay.SeriesInfo{
				Key:           seriesrelay.SeriesKey{Source: source, SeriesUID: series.SeriesInstanceUID},
				Description:   series.SeriesDescription,
				Modality:      series.Modality,
				InstanceCount: series.NumberOfSeriesRelatedInstances,
			})
		}
		result.Studies = append(result.Studies, info)
	}
	return result, nil
}

// Retrieve triggers a pull of one series from its PACS into storage. Only the
// trigger outcome is reported; progress arrives over the notification
// channel.
func (c *Client) Retrieve(ctx context.Context, source, seriesUID string) error {
	payload, err := json.Marshal(retrieveRequest{Source: source, SeriesInstanceUID: seriesUID})
	if err != nil {
		return err
	}
	targetURL := fmt.Sprintf("%s/api/v1/retrieve", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create retrieve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("retrieve of %s from %s failed: %w", seriesUID, source, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("retrieve of %s returned status %d: %s", seriesUID, resp.StatusCode, body)
	}
	return nil
}
