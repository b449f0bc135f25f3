// Package producer defines the boundary between the engine and external data
// sources. Implementations normalize raw payloads into domain types before
// returning them.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"govwatch/internal/domain"
)

// ErrUnsupported is returned for a class the producer does not serve.
var ErrUnsupported = errors.New("producer does not serve this class")

// Producer fetches one protocol's data from a single source.
type Producer interface {
	Name() string
	FetchProposals(ctx context.Context, protocol string) ([]domain.ProposalRecord, error)
	FetchMetric(ctx context.Context, protocol string, class domain.MetricClass) (json.RawMessage, error)
}

const userAgent = "govwatch/1.0"

// HTTPError is a non-2xx response.
type HTTPError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Get performs a GET and returns the body of a 2xx response, capped at limit bytes.
func Get(ctx context.Context, client *http.Client, url string, header http.Header, limit int64) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if limit <= 0 {
		limit = 16 << 20
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPError{
			URL:        url,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return b, nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// DecodeProposals accepts either a bare array of records or a
// {protocol, generatedAt, count, items} document and normalizes every record.
func DecodeProposals(protocol string, b []byte) ([]domain.ProposalRecord, error) {
	trimmed := strings.TrimSpace(string(b))
	var items []domain.ProposalRecord
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(b, &items); err != nil {
			return nil, fmt.Errorf("decode proposals: %w", err)
		}
	} else {
		var doc domain.ProtocolDocument
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("decode proposal document: %w", err)
		}
		if doc.Protocol != "" && protocol != "" && doc.Protocol != protocol {
			return nil, fmt.Errorf("document is for protocol %q, want %q", doc.Protocol, protocol)
		}
		items = doc.Items
	}
	out := make([]domain.ProposalRecord, 0, len(items))
	for _, it := range items {
		it = it.Normalize(protocol)
		if it.ID == "" {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}
