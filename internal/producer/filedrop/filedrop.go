// Package filedrop reads proposal documents written by external scripts into
// a directory: <dir>/<protocol>.json holding {protocol, generatedAt, count, items}.
package filedrop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"govwatch/internal/domain"
	"govwatch/internal/producer"
)

// ErrNoDocument means no file has been dropped for the protocol yet.
var ErrNoDocument = errors.New("no proposal document")

type Source struct {
	name string
	dir  string
}

var _ producer.Producer = (*Source)(nil)

func New(name, dir string) *Source {
	return &Source{name: name, dir: dir}
}

func (s *Source) Name() string { return s.name }
func (s *Source) Dir() string  { return s.dir }

// Path is where the document for protocol is expected.
func (s *Source) Path(protocol string) string {
	return filepath.Join(s.dir, protocol+".json")
}

func (s *Source) FetchMetric(context.Context, string, domain.MetricClass) (json.RawMessage, error) {
	return nil, producer.ErrUnsupported
}

func (s *Source) FetchProposals(ctx context.Context, protocol string) ([]domain.ProposalRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.ContainsAny(protocol, `/\`) {
		return nil, fmt.Errorf("invalid protocol name %q", protocol)
	}
	b, err := os.ReadFile(s.Path(protocol))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w for %s in %s", ErrNoDocument, protocol, s.dir)
	}
	if err != nil {
		return nil, err
	}
	return producer.DecodeProposals(protocol, b)
}

// ProtocolOf maps a dropped file name back to its protocol.
func ProtocolOf(path string) (string, bool) {
	base := filepath.Base(path)
	if filepath.Ext(base) != ".json" || strings.HasPrefix(base, ".") {
		return "", false
	}
	p := strings.TrimSuffix(base, ".json")
	return p, p != ""
}
