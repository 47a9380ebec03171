package risk

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/tradegate/internal/domain/schema"
)

// ClusterMap resolves symbols to static risk clusters. It is immutable once built.
type ClusterMap struct {
	bySymbol map[string]string
}

var defaultClusters = map[string][]string{
	"Semicon":       {"NVDA", "AMD", "AVGO", "TSM", "INTC", "QCOM", "MU", "ASML", "TXN", "ARM"},
	"BigTech":       {"AAPL", "MSFT", "GOOGL", "GOOG", "META", "AMZN"},
	"EV":            {"TSLA", "RIVN", "LCID", "NIO"},
	"Financials":    {"JPM", "BAC", "GS", "MS", "WFC", "C"},
	"Energy":        {"XOM", "CVX", "COP", "OXY"},
	"Healthcare":    {"JNJ", "PFE", "UNH", "LLY", "MRK"},
	"BIST-Banks":    {"AKBNK.IS", "GARAN.IS", "ISCTR.IS", "YKBNK.IS", "VAKBN.IS", "HALKB.IS"},
	"BIST-Aviation": {"THYAO.IS", "PGSUS.IS", "TAVHL.IS"},
	"BIST-Holding":  {"KCHOL.IS", "SAHOL.IS", "DOHOL.IS"},
	"BIST-Steel":    {"EREGL.IS", "KRDMD.IS"},
	"BIST-Energy":   {"TUPRS.IS", "AKSEN.IS", "ENJSA.IS"},
}

// DefaultClusterMap returns the built-in sector grouping.
func DefaultClusterMap() ClusterMap {
	return NewClusterMap(defaultClusters)
}

// NewClusterMap builds a map from cluster name to member symbols.
// A symbol listed under several clusters keeps the alphabetically first one.
func NewClusterMap(clusters map[string][]string) ClusterMap {
	names := make([]string, 0, len(clusters))
	for name := range clusters {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]string)
	for _, name := range names {
		cluster := strings.TrimSpace(name)
		if cluster == "" {
			continue
		}
		for _, sym := range clusters[name] {
			key := schema.NormalizeSymbol(sym)
			if key == "" {
				continue
			}
			if _, exists := out[key]; !exists {
				out[key] = cluster
			}
		}
	}
	return ClusterMap{bySymbol: out}
}

// With returns a copy of m where the override clusters replace existing assignments.
func (m ClusterMap) With(overrides map[string][]string) ClusterMap {
	merged := make(map[string]string, len(m.bySymbol))
	for sym, cluster := range m.bySymbol {
		merged[sym] = cluster
	}
	for sym, cluster := range NewClusterMap(overrides).bySymbol {
		merged[sym] = cluster
	}
	return ClusterMap{bySymbol: merged}
}

// Cluster returns the symbol's cluster. Unknown symbols form a cluster of their own.
func (m ClusterMap) Cluster(symbol string) string {
	key := schema.NormalizeSymbol(symbol)
	if cluster, ok := m.bySymbol[key]; ok {
		return cluster
	}
	return key
}

// Counts returns the number of open positions per cluster.
func (m ClusterMap) Counts(positions []schema.Position) map[string]int {
	counts := make(map[string]int)
	for _, p := range positions {
		if abs(p.Quantity) < schema.QuantityEpsilon {
			continue
		}
		counts[m.Cluster(p.Symbol)]++
	}
	return counts
}

// IsSaturated reports whether the symbol's cluster already holds limit or more
// open positions. A non-positive limit disables the check.
func (m ClusterMap) IsSaturated(symbol string, positions []schema.Position, limit int) bool {
	if limit <= 0 {
		return false
	}
	return m.Counts(positions)[m.Cluster(symbol)] >= limit
}

type clusterFile struct {
	Clusters map[string][]string `yaml:"clusters"`
}

// LoadClusterFile reads cluster definitions of the form
//
//	clusters:
//	  Semicon: [NVDA, AMD]
func LoadClusterFile(path string) (map[string][]string, error) {
	raw, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("read cluster file: %w", err)
	}
	var doc clusterFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal cluster file: %w", err)
	}
	return doc.Clusters, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
