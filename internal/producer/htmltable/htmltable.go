// Package htmltable scrapes proposal index pages laid out as HTML tables,
// such as eips.ethereum.org/all.
package htmltable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"govwatch/internal/domain"
	"govwatch/internal/producer"
)

// Config describes one index page. Columns are zero-based; a negative column
// is ignored.
type Config struct {
	Name string
	URL  string
	// Table is the CSS selector for proposal tables. Default "table".
	Table        string
	IDColumn     int
	TitleColumn  int
	AuthorColumn int
	StatusColumn int
	// TableStatuses gives the status of every row in the n-th table when
	// there is no status column.
	TableStatuses []string
	IDPrefix      string
	// LinkBase resolves relative links. Default is URL.
	LinkBase string
}

// DefaultConfig is the eips.ethereum.org layout: number, title, author.
func DefaultConfig() Config {
	return Config{Table: "table", IDColumn: 0, TitleColumn: 1, AuthorColumn: 2, StatusColumn: -1}
}

type Scraper struct {
	cfg  Config
	http *http.Client
}

var _ producer.Producer = (*Scraper)(nil)

func New(cfg Config, hc *http.Client) *Scraper {
	if hc == nil {
		hc = http.DefaultClient
	}
	if strings.TrimSpace(cfg.Table) == "" {
		cfg.Table = "table"
	}
	if cfg.LinkBase == "" {
		cfg.LinkBase = cfg.URL
	}
	return &Scraper{cfg: cfg, http: hc}
}

func (s *Scraper) Name() string { return s.cfg.Name }

func (s *Scraper) FetchMetric(context.Context, string, domain.MetricClass) (json.RawMessage, error) {
	return nil, producer.ErrUnsupported
}

func (s *Scraper) FetchProposals(ctx context.Context, protocol string) ([]domain.ProposalRecord, error) {
	page := strings.ReplaceAll(s.cfg.URL, "{protocol}", url.PathEscape(protocol))
	b, err := producer.Get(ctx, s.http, page, http.Header{"Accept": {"text/html"}}, 0)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return s.Extract(doc, protocol), nil
}

// Extract reads every table matched by the selector.
func (s *Scraper) Extract(doc *goquery.Document, protocol string) []domain.ProposalRecord {
	base, _ := url.Parse(s.cfg.LinkBase)
	var out []domain.ProposalRecord
	doc.Find(s.cfg.Table).Each(func(tableIdx int, table *goquery.Selection) {
		tableStatus := ""
		if tableIdx < len(s.cfg.TableStatuses) {
			tableStatus = s.cfg.TableStatuses[tableIdx]
		}
		table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			cells := tr.Find("td")
			if cells.Length() == 0 {
				return
			}
			rec, ok := s.row(cells, tableStatus)
			if !ok {
				return
			}
			if href, ok := tr.Find("a[href]").First().Attr("href"); ok {
				rec.URL = resolve(base, href)
			}
			out = append(out, rec.Normalize(protocol))
		})
	})
	return out
}

func (s *Scraper) row(cells *goquery.Selection, tableStatus string) (domain.ProposalRecord, bool) {
	text := func(col int) string {
		if col < 0 || col >= cells.Length() {
			return ""
		}
		return strings.Join(strings.Fields(cells.Eq(col).Text()), " ")
	}
	id := text(s.cfg.IDColumn)
	if id == "" {
		return domain.ProposalRecord{}, false
	}
	rawStatus := tableStatus
	if s.cfg.StatusColumn >= 0 {
		rawStatus = text(s.cfg.StatusColumn)
	}
	author := text(s.cfg.AuthorColumn)
	rec := domain.ProposalRecord{
		ID:     s.cfg.IDPrefix + id,
		Title:  text(s.cfg.TitleColumn),
		Status: domain.ParseStatus(rawStatus),
		Author: author,
	}
	if author != "" {
		rec.Body = "Author: " + author
	}
	return rec, true
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
