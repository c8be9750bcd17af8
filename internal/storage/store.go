// Package storage is the persistence collaborator for the pipeline: a
// gorm/sqlite store holding threat indicators, their contributing sources,
// alerts and correlation patterns.
package storage

import (
	"context"
	"time"

	"github.com/lvonguyen/intelify/internal/intel"
)

// IndicatorRecord is a persisted threat indicator. It carries every
// normalized field plus lifecycle state owned by storage.
type IndicatorRecord struct {
	ID           string         `json:"id"`
	Type         intel.Type     `json:"type"`
	Value        string         `json:"value"`
	Confidence   int            `json:"confidence"`
	RiskScore    int            `json:"risk_score"`
	Description  string         `json:"description,omitempty"`
	Tags         []string       `json:"tags"`
	ASN          string         `json:"asn,omitempty"`
	Organization string         `json:"organization,omitempty"`
	Geolocation  string         `json:"geolocation,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	FirstSeen    time.Time      `json:"first_seen"`
	LastSeen     time.Time      `json:"last_seen"`
	IsActive     bool           `json:"is_active"`
	Sources      []string       `json:"sources"`
}

// SourceRecord is a registered intelligence source.
type SourceRecord struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Kind           string     `json:"kind"` // FEED, NEWS, MANUAL, OSINT
	URL            string     `json:"url,omitempty"`
	Reliability    int        `json:"reliability"`
	LastFetchedAt  *time.Time `json:"last_fetched_at,omitempty"`
	IndicatorCount int64      `json:"indicator_count"`
}

// Alert types and severities.
const (
	AlertTypeHighRiskIOC = "HIGH_RISK_IOC"

	AlertSeverityHigh = "HIGH"

	AlertStatusNew = "NEW"
)

// AlertRecord is a persisted alert referencing an indicator.
type AlertRecord struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Status      string    `json:"status"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	IndicatorID string    `json:"indicator_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PatternRecord is a persisted correlation pattern: a cluster of indicators
// sharing infrastructure, produced by one correlation run.
type PatternRecord struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	RiskLevel       string    `json:"risk_level"`
	Confidence      int       `json:"confidence"`
	Description     string    `json:"description,omitempty"`
	IndicatorIDs    []string  `json:"-"`
	IndicatorValues []string  `json:"indicators"`
	CreatedAt       time.Time `json:"created_at"`
}

// IndicatorFilter narrows ListIndicators.
type IndicatorFilter struct {
	Type       intel.Type
	ActiveOnly bool
	MinRisk    int
	Limit      int
}

// StatsSnapshot holds the dashboard counters.
type StatsSnapshot struct {
	TotalIndicators  int64            `json:"total_indicators"`
	ActiveIndicators int64            `json:"active_indicators"`
	ByType           map[string]int64 `json:"by_type"`
	AlertsBySeverity map[string]int64 `json:"alerts_by_severity"`
	Correlations     int64            `json:"correlations"`
	Sources          int64            `json:"sources"`
}

// Store is the persistence contract consumed by reconciliation, correlation
// and the API layer.
type Store interface {
	// Indicators. FindIndicator returns (nil, nil) when absent.
	FindIndicator(ctx context.Context, t intel.Type, value string) (*IndicatorRecord, error)
	CreateIndicator(ctx context.Context, rec *IndicatorRecord) error
	UpdateIndicator(ctx context.Context, rec *IndicatorRecord) error
	ListIndicators(ctx context.Context, filter IndicatorFilter) ([]IndicatorRecord, error)
	ListActiveWithInfrastructure(ctx context.Context) ([]IndicatorRecord, error)

	// Sources.
	GetOrCreateSource(ctx context.Context, name, kind, url string) (*SourceRecord, error)
	TouchSource(ctx context.Context, name string) error
	ListSources(ctx context.Context) ([]SourceRecord, error)

	// Alerts.
	CreateAlert(ctx context.Context, alert *AlertRecord) error
	ListAlerts(ctx context.Context, limit int) ([]AlertRecord, error)

	// Correlation patterns.
	CreateCorrelation(ctx context.Context, pattern *PatternRecord) error
	ListCorrelations(ctx context.Context, limit int) ([]PatternRecord, error)
	DeleteCorrelationsByName(ctx context.Context, name string) error

	Stats(ctx context.Context) (*StatsSnapshot, error)
	Close() error
}
