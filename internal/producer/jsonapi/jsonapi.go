// Package jsonapi fetches metric and proposal payloads from JSON HTTP APIs.
// Each class maps to a path template; {protocol} and {id} are substituted.
package jsonapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"govwatch/internal/domain"
	"govwatch/internal/producer"
)

type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	// APIKeyHeader defaults to "Authorization" with a Bearer prefix.
	APIKeyHeader string
	Headers      map[string]string
	Paths        map[domain.MetricClass]string
	// IDs maps protocol names to the source's native identifiers.
	IDs map[string]string
}

type Client struct {
	cfg  Config
	http *http.Client
}

var _ producer.Producer = (*Client)(nil)

func New(cfg Config, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: hc}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) FetchMetric(ctx context.Context, protocol string, class domain.MetricClass) (json.RawMessage, error) {
	u, err := c.url(protocol, class)
	if err != nil {
		return nil, err
	}
	b, err := producer.Get(ctx, c.http, u, c.header(), 0)
	if err != nil {
		return nil, err
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("%s: response for %s is not valid JSON", c.cfg.Name, domain.UnitKey(protocol, class))
	}
	return json.RawMessage(b), nil
}

func (c *Client) FetchProposals(ctx context.Context, protocol string) ([]domain.ProposalRecord, error) {
	u, err := c.url(protocol, domain.ClassProposals)
	if err != nil {
		return nil, err
	}
	b, err := producer.Get(ctx, c.http, u, c.header(), 0)
	if err != nil {
		return nil, err
	}
	return producer.DecodeProposals(protocol, b)
}

func (c *Client) url(protocol string, class domain.MetricClass) (string, error) {
	tmpl, ok := c.cfg.Paths[class]
	if !ok || strings.TrimSpace(tmpl) == "" {
		return "", producer.ErrUnsupported
	}
	id := protocol
	if v, ok := c.cfg.IDs[protocol]; ok && v != "" {
		id = v
	}
	path := strings.NewReplacer(
		"{protocol}", url.PathEscape(protocol),
		"{id}", url.PathEscape(id),
	).Replace(tmpl)
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.cfg.BaseURL + path, nil
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		h.Set(k, v)
	}
	if c.cfg.APIKey != "" {
		if c.cfg.APIKeyHeader == "" || strings.EqualFold(c.cfg.APIKeyHeader, "Authorization") {
			h.Set("Authorization", "Bearer "+c.cfg.APIKey)
		} else {
			h.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
		}
	}
	return h
}
