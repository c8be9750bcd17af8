// Package correlate clusters stored indicators by shared infrastructure.
//
// A correlation run groups the active indicators twice, once by ASN and once
// by owning organization. Every group of two or more indicators becomes a
// persisted pattern scored from the group's average risk and size.
package correlate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelify/internal/observability"
	"github.com/lvonguyen/intelify/internal/storage"
)

// Risk levels assigned to patterns by average risk score.
const (
	RiskCritical = "CRITICAL"
	RiskHigh     = "HIGH"
	RiskMedium   = "MEDIUM"
	RiskLow      = "LOW"
)

// Config tunes a correlation engine.
type Config struct {
	// MinClusterSize is the smallest group that produces a pattern.
	// Values below 2 are raised to 2.
	MinClusterSize int `yaml:"min_cluster_size"`

	// ReplaceExisting drops same-named patterns from earlier runs before
	// writing, so repeated runs do not accumulate duplicates.
	ReplaceExisting bool `yaml:"replace_existing"`
}

// Engine runs infrastructure correlation over the store.
type Engine struct {
	store   storage.Store
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches correlation counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a correlation engine over store.
func NewEngine(store storage.Store, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.MinClusterSize < 2 {
		cfg.MinClusterSize = 2
	}
	e := &Engine{store: store, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run performs one correlation pass and returns the patterns it persisted.
func (e *Engine) Run(ctx context.Context) ([]storage.PatternRecord, error) {
	start := time.Now()

	indicators, err := e.store.ListActiveWithInfrastructure(ctx)
	if err != nil {
		return nil, fmt.Errorf("load indicators: %w", err)
	}

	byASN := make(map[string][]storage.IndicatorRecord)
	byOrg := make(map[string][]storage.IndicatorRecord)
	for _, ind := range indicators {
		if ind.ASN != "" {
			byASN[ind.ASN] = append(byASN[ind.ASN], ind)
		}
		if ind.Organization != "" {
			byOrg[ind.Organization] = append(byOrg[ind.Organization], ind)
		}
	}

	var patterns []storage.PatternRecord
	for _, asn := range sortedKeys(byASN) {
		group := byASN[asn]
		if len(group) < e.cfg.MinClusterSize {
			continue
		}
		patterns = append(patterns, buildPattern(group,
			fmt.Sprintf("ASN %s Infrastructure Cluster", asn),
			fmt.Sprintf("%d indicators sharing ASN %s", len(group), asn)))
	}
	for _, org := range sortedKeys(byOrg) {
		group := byOrg[org]
		if len(group) < e.cfg.MinClusterSize {
			continue
		}
		patterns = append(patterns, buildPattern(group,
			fmt.Sprintf("%s Infrastructure Cluster", org),
			fmt.Sprintf("%d indicators from %s", len(group), org)))
	}

	for i := range patterns {
		if e.cfg.ReplaceExisting {
			if err := e.store.DeleteCorrelationsByName(ctx, patterns[i].Name); err != nil {
				return nil, fmt.Errorf("replace pattern %q: %w", patterns[i].Name, err)
			}
		}
		if err := e.store.CreateCorrelation(ctx, &patterns[i]); err != nil {
			return nil, fmt.Errorf("persist pattern %q: %w", patterns[i].Name, err)
		}
	}

	if e.metrics != nil {
		e.metrics.CorrelationPatterns.Add(float64(len(patterns)))
		e.metrics.CorrelationDuration.Observe(time.Since(start).Seconds())
	}
	e.logger.Info("Correlation run complete",
		zap.Int("indicators", len(indicators)),
		zap.Int("patterns", len(patterns)),
		zap.Duration("duration", time.Since(start)))
	return patterns, nil
}

func buildPattern(group []storage.IndicatorRecord, name, description string) storage.PatternRecord {
	pattern := storage.PatternRecord{
		Name:        name,
		RiskLevel:   riskLevel(averageRisk(group)),
		Confidence:  groupConfidence(len(group)),
		Description: description,
		CreatedAt:   time.Now(),
	}
	for _, ind := range group {
		pattern.IndicatorIDs = append(pattern.IndicatorIDs, ind.ID)
		pattern.IndicatorValues = append(pattern.IndicatorValues, ind.Value)
	}
	return pattern
}

// averageRisk is the rounded mean risk score of the group.
func averageRisk(group []storage.IndicatorRecord) int {
	sum := 0
	for _, ind := range group {
		sum += ind.RiskScore
	}
	return int(math.Round(float64(sum) / float64(len(group))))
}

func riskLevel(avgRisk int) string {
	switch {
	case avgRisk >= 80:
		return RiskCritical
	case avgRisk >= 60:
		return RiskHigh
	case avgRisk >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}

// groupConfidence grows with cluster size and saturates at 90.
func groupConfidence(size int) int {
	confidence := 50 + 10*size
	if confidence > 90 {
		confidence = 90
	}
	return confidence
}

func sortedKeys(groups map[string][]storage.IndicatorRecord) []string {
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
