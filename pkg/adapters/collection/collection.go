// Package collection defines the narrow external collection adapter of
// spec.md §6 ("collect({query, location?, ...}) → list<RawJob>") and a
// generic HTTP/JSON implementation. No job-board SDK appears anywhere in
// the retrieval pack, so the concrete adapter is a small stdlib
// net/http client — the narrow single-method interface is what lets a
// worker depend on it without caring which board is behind it.
package collection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jobscout/pipeline-engine/pkg/model"
)

// Query is a single collection request (spec.md §6).
type Query struct {
	Query      string
	Location   string
	IsRemote   bool
	JobType    string
	DatePosted string
	Source     string
	Limit      int
	SkipCache  bool
}

// Collector is the narrow adapter interface every collection worker
// depends on.
type Collector interface {
	Collect(ctx context.Context, q Query) ([]model.RawJob, error)
}

// HTTPCollector calls a configurable per-source job-board endpoint
// returning a JSON array of jobs. The response shape below is a
// reasonable generic contract; real board adapters would each get their
// own small response struct, but this repo has no board-specific SDK to
// target.
type HTTPCollector struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPCollector builds a collector posting queries to baseURL.
func NewHTTPCollector(baseURL string, client *http.Client) *HTTPCollector {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCollector{BaseURL: baseURL, Client: client}
}

type httpJob struct {
	Title    string `json:"title"`
	Company  string `json:"company"`
	Location string `json:"location"`
	URL      string `json:"url"`
	Posted   string `json:"datePosted"`
}

// Collect implements Collector. It MUST return an error whose message
// contains a substring recognized by the rate limiter's 429 pattern set
// when the upstream board throttles (spec.md §6).
func (c *HTTPCollector) Collect(ctx context.Context, q Query) ([]model.RawJob, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("collection adapter: request to %s: %w", q.Source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("collection adapter: %s responded 429 too many requests", q.Source)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("collection adapter: %s returned status %d: %s", q.Source, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var jobs []httpJob
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("collection adapter: decoding %s response: %w", q.Source, err)
	}

	out := make([]model.RawJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, model.RawJob{
			Title:    j.Title,
			Company:  j.Company,
			Location: j.Location,
			Source:   q.Source,
			URL:      j.URL,
			Posted:   j.Posted,
		})
	}
	return out, nil
}

// Fake is an in-memory Collector for tests, keyed by source.
type Fake struct {
	Jobs  map[string][]model.RawJob
	Err   map[string]error
	Calls []Query
}

func NewFake() *Fake {
	return &Fake{Jobs: map[string][]model.RawJob{}, Err: map[string]error{}}
}

func (f *Fake) Collect(_ context.Context, q Query) ([]model.RawJob, error) {
	f.Calls = append(f.Calls, q)
	if err, ok := f.Err[q.Source]; ok && err != nil {
		return nil, err
	}
	return f.Jobs[q.Source], nil
}
