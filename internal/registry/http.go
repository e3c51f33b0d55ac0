package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ratchet-run/ratchet/internal/model"
)

// httpSource discovers tasks from an HTTP registry index: a JSON document
// listing task entries, each carrying its content and schemas inline. This
// keeps the source read-only and stateless between polls, matching the
// polling-interval model spec.md §3 describes for non-watchable sources.
type httpSource struct {
	name   string
	indexURL string
	client *http.Client
}

// indexEntry is the wire shape of one element in the registry index.
type indexEntry struct {
	UUID         string `json:"uuid"`
	Version      string `json:"version"`
	Name         string `json:"name"`
	Label        string `json:"label"`
	Description  string `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
	Content      string `json:"content"`
}

// NewHTTPSource constructs an HTTP registry index TaskSource.
func NewHTTPSource(name, indexURL string, timeout time.Duration) Source {
	return &httpSource{name: name, indexURL: indexURL, client: &http.Client{Timeout: timeout}}
}

func (s *httpSource) Name() string { return s.name }

func (s *httpSource) Discover(ctx context.Context) ([]Observed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.indexURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: http source %s: fetch index: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: http source %s: index returned %s", s.name, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}

	var entries []indexEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("registry: http source %s: parse index: %w", s.name, err)
	}

	out := make([]Observed, 0, len(entries))
	for _, e := range entries {
		fp := Fingerprint(e.Content, string(e.InputSchema), string(e.OutputSchema))
		out = append(out, Observed{
			Ref:          model.TaskRef{UUID: e.UUID, Version: e.Version},
			Fingerprint:  fp,
			Name:         e.Name,
			Label:        e.Label,
			Description:  e.Description,
			InputSchema:  string(e.InputSchema),
			OutputSchema: string(e.OutputSchema),
			Content:      e.Content,
		})
	}
	return out, nil
}
