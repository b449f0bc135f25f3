package jsonapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govwatch/internal/domain"
	"govwatch/internal/producer"
)

func TestFetchMetricSubstitutesPathAndKey(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/ethereum", r.URL.Path)
		assert.Equal(t, "k-123", r.Header.Get("x-cg-pro-api-key"))
		assert.Equal(t, "yes", r.Header.Get("X-Extra"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":3100.5}`))
	}))
	defer srv.Close()

	c := New(Config{
		Name:         "coingecko",
		BaseURL:      srv.URL + "/",
		APIKey:       "k-123",
		APIKeyHeader: "x-cg-pro-api-key",
		Headers:      map[string]string{"X-Extra": "yes"},
		Paths:        map[domain.MetricClass]string{domain.ClassMarket: "/coins/{id}"},
		IDs:          map[string]string{"eth": "ethereum"},
	}, srv.Client())

	raw, err := c.FetchMetric(context.Background(), "eth", domain.ClassMarket)
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":3100.5}`, string(raw))
}

func TestFetchMetricUnsupportedClass(t *testing.T) {
	t.Parallel()
	c := New(Config{Name: "x", BaseURL: "http://invalid"}, nil)
	_, err := c.FetchMetric(context.Background(), "eth", domain.ClassSocial)
	assert.ErrorIs(t, err, producer.ErrUnsupported)
}

func TestFetchMetricHTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{Name: "x", BaseURL: srv.URL, Paths: map[domain.MetricClass]string{domain.ClassNetwork: "/n/{protocol}"}}, srv.Client())
	_, err := c.FetchMetric(context.Background(), "tron", domain.ClassNetwork)
	var he *producer.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusTooManyRequests, he.StatusCode)
	assert.Equal(t, "30s", he.RetryAfter.String())
}

func TestFetchMetricRejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer srv.Close()
	c := New(Config{Name: "x", BaseURL: srv.URL, Paths: map[domain.MetricClass]string{domain.ClassMarket: "/m"}}, srv.Client())
	_, err := c.FetchMetric(context.Background(), "eth", domain.ClassMarket)
	assert.Error(t, err)
}

func TestFetchProposalsNormalizes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"protocol":"tron","count":2,"items":[
			{"id":"TIP-1","title":"Token standard","status":"Last Call"},
			{"id":"","title":"no id"}
		]}`))
	}))
	defer srv.Close()

	c := New(Config{Name: "tips", BaseURL: srv.URL, Paths: map[domain.MetricClass]string{domain.ClassProposals: "/tips"}}, srv.Client())
	recs, err := c.FetchProposals(context.Background(), "tron")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.StatusLastCall, recs[0].Status)
	assert.Equal(t, "tron", recs[0].Protocol)
	assert.Equal(t, domain.ComputeContentHash("Token standard", domain.StatusLastCall, ""), recs[0].ContentHash)
}
