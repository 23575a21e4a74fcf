package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/features"
)

// WeightTable maps feature names to coefficients. It is immutable: the map is
// copied on construction and never handed out.
type WeightTable struct {
	weights map[features.Name]float64
}

// ErrNonFiniteWeight rejects NaN and infinite coefficients.
var ErrNonFiniteWeight = errors.New("weight is not a finite number")

// NewWeightTable validates and copies w. Names outside the canonical set and
// non-finite values are rejected; names left out simply weigh 0.
func NewWeightTable(w map[string]float64) (WeightTable, error) {
	table := make(map[features.Name]float64, len(w))
	for k, v := range w {
		n, err := features.ParseName(k)
		if err != nil {
			return WeightTable{}, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return WeightTable{}, fmt.Errorf("%w: %s = %v", ErrNonFiniteWeight, n, v)
		}
		table[n] = v
	}
	return WeightTable{weights: table}, nil
}

// MustWeightTable is NewWeightTable for static tables.
func MustWeightTable(w map[string]float64) WeightTable {
	t, err := NewWeightTable(w)
	if err != nil {
		panic(err)
	}
	return t
}

// Weight returns the coefficient for n, 0 when absent.
func (t WeightTable) Weight(n features.Name) float64 {
	return t.weights[n]
}

// Has reports whether n has an explicit entry.
func (t WeightTable) Has(n features.Name) bool {
	_, ok := t.weights[n]
	return ok
}

// Len is the number of explicit entries.
func (t WeightTable) Len() int { return len(t.weights) }

// Map returns a copy of the table keyed by name.
func (t WeightTable) Map() map[string]float64 {
	out := make(map[string]float64, len(t.weights))
	for k, v := range t.weights {
		out[string(k)] = v
	}
	return out
}

// MarshalJSON writes the table in the model exporter format: name -> weight.
func (t WeightTable) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Map())
}

// Every coefficient is positive because every feature reads +1 when it points
// towards phishing. HTTPS follows the same rule: +1 means plain transport.
var defaultWeights = MustWeightTable(map[string]float64{
	"UsingIP":             3.00,
	"LongURL":             0.30,
	"ShortURL":            0.40,
	"Symbol@":             0.35,
	"Redirecting//":       0.40,
	"PrefixSuffix-":       0.30,
	"SubDomains":          0.35,
	"HTTPS":               1.00,
	"DomainRegLen":        0.15,
	"RequestURL":          0.55,
	"URLofAnchor":         0.70,
	"LinksInTags":         0.45,
	"SFH":                 0.60,
	"SubmittingToEmail":   0.80,
	"AbnormalURL":         0.50,
	"WebsiteForwarding":   0.45,
	"StatusBarCust":       0.40,
	"DisablingRightClick": 0.40,
	"UsingPopupWindow":    0.68,
	"Iframe":              0.71,
	"AgeofDomain":         0.52,
	"DNSRecording":        0.48,
	"WebsiteTraffic":      0.41,
	"PageRank":            0.39,
	"GoogleIndex":         0.57,
	"LinksPointingToPage": 0.32,
	"StatsReport":         0.35,
	"Redirection":         0.83,
	"FaviconDomain":       0.50,
	"PortInURL":           0.25,
	"HTTPSDomainURL":      0.30,
})

// DefaultWeights returns the built-in table.
func DefaultWeights() WeightTable { return defaultWeights }

// weightFile is the on-disk layout. A bare name -> weight object is accepted
// as well, which is what the model exporter writes.
type weightFile struct {
	Version string             `json:"version" yaml:"version"`
	Weights map[string]float64 `json:"weights" yaml:"weights"`
}

// WeightStore loads and saves weight tables from a file.
type WeightStore struct {
	path string
}

// NewWeightStore creates a store for path. The extension selects the format:
// .yaml/.yml for YAML, anything else JSON.
func NewWeightStore(path string) *WeightStore {
	return &WeightStore{path: path}
}

// Path returns the backing file path.
func (s *WeightStore) Path() string { return s.path }

// Load reads the table. A missing file yields the default table.
func (s *WeightStore) Load() (WeightTable, error) {
	if s.path == "" {
		return DefaultWeights(), nil
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return DefaultWeights(), nil
	}
	if err != nil {
		return WeightTable{}, fmt.Errorf("failed to read weights file: %w", err)
	}
	return ParseWeights(data, s.isYAML())
}

// Save writes t to the store path.
func (s *WeightStore) Save(t WeightTable) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create weights directory: %w", err)
	}

	wf := weightFile{Version: features.SetVersion, Weights: t.Map()}
	var (
		data []byte
		err  error
	)
	if s.isYAML() {
		data, err = yaml.Marshal(wf)
	} else {
		data, err = json.MarshalIndent(wf, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write weights file: %w", err)
	}
	return nil
}

func (s *WeightStore) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(s.path))
	return ext == ".yaml" || ext == ".yml"
}

// ParseWeights decodes either the versioned layout or a flat name -> weight
// object.
func ParseWeights(data []byte, isYAML bool) (WeightTable, error) {
	unmarshal := json.Unmarshal
	if isYAML {
		unmarshal = yaml.Unmarshal
	}

	var wf weightFile
	if err := unmarshal(data, &wf); err == nil && wf.Weights != nil {
		if wf.Version != "" && wf.Version != features.SetVersion {
			return WeightTable{}, fmt.Errorf("weights built for feature set %q, running %q", wf.Version, features.SetVersion)
		}
		return NewWeightTable(wf.Weights)
	}

	var flat map[string]float64
	if err := unmarshal(data, &flat); err != nil {
		return WeightTable{}, fmt.Errorf("failed to decode weights: %w", err)
	}
	return NewWeightTable(flat)
}
