// Package reconcile merges normalized indicators into the persistent store.
//
// Each incoming indicator is matched against its (type, value) natural key.
// Unknown indicators are created, known ones are refreshed in place. Incoming
// fields only overwrite stored ones when they carry a value, so a sparse feed
// never erases enrichment contributed by a richer one.
package reconcile

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelify/internal/intel"
	"github.com/lvonguyen/intelify/internal/observability"
	"github.com/lvonguyen/intelify/internal/storage"
)

// Alert threshold. Indicators created at or above this risk score raise a
// high-severity alert.
const highRiskThreshold = 80

const mutexShards = 64

// Result summarizes one reconciliation batch. Errors is keyed by indicator
// value and holds the failure message for each indicator that could not be
// persisted.
type Result struct {
	Processed int               `json:"processed"`
	Created   int               `json:"created"`
	Updated   int               `json:"updated"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// AlertFunc receives the alert raised for a newly created high-risk
// indicator. Failures are logged and never roll back the create.
type AlertFunc func(ctx context.Context, alert *storage.AlertRecord) error

// Reconciler applies batches of normalized indicators to a Store.
type Reconciler struct {
	store   storage.Store
	alertFn AlertFunc
	logger  *zap.Logger
	metrics *observability.Metrics

	// Per-key locks serialize concurrent writes to the same indicator.
	locks [mutexShards]sync.Mutex
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithAlertFunc overrides how high-risk alerts are delivered. The default
// persists them through the store.
func WithAlertFunc(fn AlertFunc) Option {
	return func(r *Reconciler) { r.alertFn = fn }
}

// WithMetrics attaches reconciliation counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// NewReconciler creates a reconciler writing to store.
func NewReconciler(store storage.Store, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		logger: logger,
	}
	r.alertFn = func(ctx context.Context, alert *storage.AlertRecord) error {
		return store.CreateAlert(ctx, alert)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply reconciles a batch of indicators against the store. Indicators with
// no Source set are attributed to fallbackSource. A failing indicator is
// recorded in the result and does not abort the rest of the batch.
func (r *Reconciler) Apply(ctx context.Context, indicators []intel.Indicator, fallbackSource string) *Result {
	result := &Result{Errors: make(map[string]string)}

	for _, ind := range indicators {
		result.Processed++

		if err := r.applyOne(ctx, ind, fallbackSource, result); err != nil {
			result.Errors[ind.Value] = err.Error()
			if r.metrics != nil {
				r.metrics.ReconcileErrors.Inc()
			}
			r.logger.Warn("Failed to reconcile indicator",
				zap.String("type", string(ind.Type)),
				zap.String("value", ind.Value),
				zap.Error(err))
		}
	}

	r.logger.Info("Reconciliation batch complete",
		zap.Int("processed", result.Processed),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("errors", len(result.Errors)))
	return result
}

func (r *Reconciler) applyOne(ctx context.Context, ind intel.Indicator, fallbackSource string, result *Result) error {
	if ind.Value == "" {
		return fmt.Errorf("indicator has empty value")
	}
	if !ind.Type.Valid() {
		return fmt.Errorf("unknown indicator type %q", ind.Type)
	}

	source := ind.Source
	if source == "" {
		source = fallbackSource
	}

	lock := r.lockFor(ind.Key())
	lock.Lock()
	defer lock.Unlock()

	existing, err := r.store.FindIndicator(ctx, ind.Type, ind.Value)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}

	if existing == nil {
		created, err := r.create(ctx, ind, source)
		if err != nil {
			return err
		}
		result.Created++
		if r.metrics != nil {
			r.metrics.IndicatorsCreated.Inc()
		}
		r.maybeAlert(ctx, created, source)
		return nil
	}

	if err := r.update(ctx, existing, ind, source); err != nil {
		return err
	}
	result.Updated++
	if r.metrics != nil {
		r.metrics.IndicatorsUpdated.Inc()
	}
	return nil
}

func (r *Reconciler) create(ctx context.Context, ind intel.Indicator, source string) (*storage.IndicatorRecord, error) {
	now := time.Now()
	rec := &storage.IndicatorRecord{
		ID:           uuid.NewString(),
		Type:         ind.Type,
		Value:        ind.Value,
		Confidence:   ind.Confidence,
		RiskScore:    ind.RiskScore,
		Description:  ind.Description,
		Tags:         ind.Tags,
		ASN:          ind.ASN,
		Organization: ind.Organization,
		Geolocation:  ind.Geolocation,
		Metadata:     ind.Metadata,
		FirstSeen:    now,
		LastSeen:     now,
		IsActive:     true,
	}
	if source != "" {
		rec.Sources = []string{source}
	}
	if err := r.store.CreateIndicator(ctx, rec); err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	return rec, nil
}

// update refreshes an existing record. Incoming fields win only when set;
// numeric zero counts as unset.
func (r *Reconciler) update(ctx context.Context, existing *storage.IndicatorRecord, ind intel.Indicator, source string) error {
	if ind.Confidence != 0 {
		existing.Confidence = ind.Confidence
	}
	if ind.RiskScore != 0 {
		existing.RiskScore = ind.RiskScore
	}
	if ind.Description != "" {
		existing.Description = ind.Description
	}
	if len(ind.Tags) > 0 {
		existing.Tags = ind.Tags
	}
	if ind.ASN != "" {
		existing.ASN = ind.ASN
	}
	if ind.Organization != "" {
		existing.Organization = ind.Organization
	}
	if ind.Geolocation != "" {
		existing.Geolocation = ind.Geolocation
	}
	if len(ind.Metadata) > 0 {
		existing.Metadata = ind.Metadata
	}
	existing.LastSeen = time.Now()
	existing.IsActive = true
	if source != "" && !contains(existing.Sources, source) {
		existing.Sources = append(existing.Sources, source)
	}

	if err := r.store.UpdateIndicator(ctx, existing); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return nil
}

func (r *Reconciler) maybeAlert(ctx context.Context, rec *storage.IndicatorRecord, source string) {
	if rec.RiskScore < highRiskThreshold {
		return
	}

	alert := &storage.AlertRecord{
		ID:          uuid.NewString(),
		Type:        storage.AlertTypeHighRiskIOC,
		Severity:    storage.AlertSeverityHigh,
		Status:      storage.AlertStatusNew,
		Title:       fmt.Sprintf("High-risk %s detected", rec.Type),
		Description: fmt.Sprintf("%s from %s", rec.Value, source),
		IndicatorID: rec.ID,
		CreatedAt:   time.Now(),
	}
	if err := r.alertFn(ctx, alert); err != nil {
		r.logger.Warn("Failed to create alert for high-risk indicator",
			zap.String("indicator_id", rec.ID),
			zap.String("value", rec.Value),
			zap.Error(err))
		return
	}
	if r.metrics != nil {
		r.metrics.AlertsCreated.Inc()
	}
}

func (r *Reconciler) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.locks[h.Sum32()%mutexShards]
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
