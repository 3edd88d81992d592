// Package mock replays fixture data for the verifier, the demo backend and
// the wallet so that complete flows run without a live verifier or a real
// Digital Credentials API.
package mock

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-digital-credentials/internal/domain"
)

//go:embed fixtures/*.json
var embedded embed.FS

// Fixture kinds, used as file name suffixes: <id>-<kind>.json
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindVerified = "verified"
)

// Fixture is the (request, wallet response, verification result) triple of
// one request id
type Fixture struct {
	Request  json.RawMessage
	Response json.RawMessage
	Verified json.RawMessage
}

func (f Fixture) clone() Fixture {
	return Fixture{
		Request:  bytes.Clone(f.Request),
		Response: bytes.Clone(f.Response),
		Verified: bytes.Clone(f.Verified),
	}
}

// FixtureSet holds fixtures keyed by request id. It is immutable after
// loading.
type FixtureSet struct {
	fixtures map[string]Fixture
}

// DefaultFixtures returns the embedded fixture set
func DefaultFixtures() *FixtureSet {
	set, err := loadFS(embedded, "fixtures", nil)
	if err != nil {
		// embedded files are validated by tests
		panic(err)
	}
	return set
}

// LoadFixtures loads the embedded fixtures and, when dir is set, overlays
// the <id>-<kind>.json files found there.
func LoadFixtures(dir string, logger *zap.Logger) (*FixtureSet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	set, err := loadFS(embedded, "fixtures", nil)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return set, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("failed to open fixtures dir: %w", err)
	}
	set, err = loadFS(os.DirFS(dir), ".", set)
	if err != nil {
		return nil, err
	}
	logger.Named("mock").Info("Loaded fixtures",
		zap.String("dir", dir),
		zap.Strings("ids", set.IDs()))
	return set, nil
}

func loadFS(fsys fs.FS, root string, base *FixtureSet) (*FixtureSet, error) {
	fixtures := make(map[string]Fixture)
	if base != nil {
		for id, f := range base.fixtures {
			fixtures[id] = f
		}
	}

	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, kind, ok := parseFixtureName(entry.Name())
		if !ok {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read fixture %s: %w", entry.Name(), err)
		}
		data = bytes.TrimSpace(data)
		if !json.Valid(data) {
			return nil, fmt.Errorf("fixture %s is not valid JSON", entry.Name())
		}

		f := fixtures[id]
		switch kind {
		case KindRequest:
			f.Request = data
		case KindResponse:
			f.Response = data
		case KindVerified:
			f.Verified = data
		}
		fixtures[id] = f
	}

	if _, ok := fixtures[domain.DefaultRequestID]; !ok {
		return nil, fmt.Errorf("fixtures for default request id %q are missing", domain.DefaultRequestID)
	}
	return &FixtureSet{fixtures: fixtures}, nil
}

func parseFixtureName(name string) (id, kind string, ok bool) {
	stem, found := strings.CutSuffix(name, ".json")
	if !found {
		return "", "", false
	}
	idx := strings.LastIndex(stem, "-")
	if idx <= 0 {
		return "", "", false
	}
	id, kind = stem[:idx], stem[idx+1:]
	if !lo.Contains([]string{KindRequest, KindResponse, KindVerified}, kind) {
		return "", "", false
	}
	return id, kind, true
}

// IDs returns the request ids with at least one fixture, sorted
func (s *FixtureSet) IDs() []string {
	ids := lo.Keys(s.fixtures)
	sort.Strings(ids)
	return ids
}

// Lookup returns a copy of the fixture for id. Parts missing for id, and
// unknown ids, fall back to the default request id.
func (s *FixtureSet) Lookup(id string) Fixture {
	def := s.fixtures[domain.DefaultRequestID]
	f, ok := s.fixtures[id]
	if !ok {
		return def.clone()
	}
	if len(f.Request) == 0 {
		f.Request = def.Request
	}
	if len(f.Response) == 0 {
		f.Response = def.Response
	}
	if len(f.Verified) == 0 {
		f.Verified = def.Verified
	}
	return f.clone()
}
