package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelify/internal/intel"
	"github.com/lvonguyen/intelify/internal/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewGormStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestApply_CreatesNewIndicator(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	result := r.Apply(ctx, []intel.Indicator{{
		Type:       intel.TypeIP,
		Value:      "1.2.3.4",
		Confidence: 80,
		RiskScore:  60,
		Tags:       []string{"C2"},
		Source:     "alienvault",
	}}, "")

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 0, result.Updated)
	assert.Empty(t, result.Errors)

	rec, err := store.FindIndicator(ctx, intel.TypeIP, "1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.True(t, rec.IsActive)
	assert.WithinDuration(t, time.Now(), rec.FirstSeen, 5*time.Second)
	assert.Equal(t, rec.FirstSeen.Unix(), rec.LastSeen.Unix())
	assert.Equal(t, []string{"alienvault"}, rec.Sources)
}

func TestApply_UpdatesExisting(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	r.Apply(ctx, []intel.Indicator{{
		Type: intel.TypeIP, Value: "1.2.3.4", Confidence: 50, RiskScore: 40,
		Description: "first sighting", Source: "urlhaus",
	}}, "")

	result := r.Apply(ctx, []intel.Indicator{{
		Type: intel.TypeIP, Value: "1.2.3.4", Confidence: 90, RiskScore: 70,
		Source: "alienvault",
	}}, "")

	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Created)

	rec, err := store.FindIndicator(ctx, intel.TypeIP, "1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, 90, rec.Confidence)
	assert.Equal(t, 70, rec.RiskScore)
	assert.ElementsMatch(t, []string{"urlhaus", "alienvault"}, rec.Sources)
}

// Empty incoming fields must not erase stored values. Numeric zero counts
// as empty.
func TestApply_EmptyFieldsPreserved(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	r.Apply(ctx, []intel.Indicator{{
		Type: intel.TypeDomain, Value: "evil.com",
		Confidence: 85, RiskScore: 75, Description: "phishing kit",
		Tags: []string{"Phishing"}, ASN: "AS666", Organization: "Evil Hosting",
		Source: "alienvault",
	}}, "")

	r.Apply(ctx, []intel.Indicator{{
		Type: intel.TypeDomain, Value: "evil.com",
		Source: "urlhaus",
	}}, "")

	rec, err := store.FindIndicator(ctx, intel.TypeDomain, "evil.com")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, 85, rec.Confidence)
	assert.Equal(t, 75, rec.RiskScore)
	assert.Equal(t, "phishing kit", rec.Description)
	assert.Equal(t, []string{"Phishing"}, rec.Tags)
	assert.Equal(t, "AS666", rec.ASN)
	assert.Equal(t, "Evil Hosting", rec.Organization)
}

func TestApply_UpdateAdvancesLastSeenOnly(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	r.Apply(ctx, []intel.Indicator{{Type: intel.TypeIP, Value: "1.2.3.4", RiskScore: 10}}, "x")
	before, err := store.FindIndicator(ctx, intel.TypeIP, "1.2.3.4")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	r.Apply(ctx, []intel.Indicator{{Type: intel.TypeIP, Value: "1.2.3.4", RiskScore: 20}}, "x")

	after, err := store.FindIndicator(ctx, intel.TypeIP, "1.2.3.4")
	require.NoError(t, err)

	assert.Equal(t, before.FirstSeen.UnixNano(), after.FirstSeen.UnixNano())
	assert.True(t, after.LastSeen.After(before.LastSeen))
}

func TestApply_HighRiskCreatesAlert(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	r.Apply(ctx, []intel.Indicator{
		{Type: intel.TypeIP, Value: "9.9.9.9", RiskScore: 80, Source: "abuseipdb"},
		{Type: intel.TypeIP, Value: "8.8.8.8", RiskScore: 79, Source: "abuseipdb"},
	}, "")

	alerts, err := store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1, "only the risk >= 80 create should alert")

	alert := alerts[0]
	assert.Equal(t, storage.AlertTypeHighRiskIOC, alert.Type)
	assert.Equal(t, storage.AlertSeverityHigh, alert.Severity)
	assert.Equal(t, "High-risk IP detected", alert.Title)
	assert.Equal(t, "9.9.9.9 from abuseipdb", alert.Description)
}

func TestApply_NoAlertOnUpdate(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	r.Apply(ctx, []intel.Indicator{{Type: intel.TypeIP, Value: "9.9.9.9", RiskScore: 90, Source: "x"}}, "")
	r.Apply(ctx, []intel.Indicator{{Type: intel.TypeIP, Value: "9.9.9.9", RiskScore: 95, Source: "x"}}, "")

	alerts, err := store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1, "updates must not raise fresh alerts")
}

// An alert delivery failure is advisory; the indicator create must stand.
func TestApply_AlertFailureDoesNotRollBackCreate(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, zap.NewNop(), WithAlertFunc(
		func(ctx context.Context, alert *storage.AlertRecord) error {
			return errors.New("alert sink down")
		}))
	ctx := context.Background()

	result := r.Apply(ctx, []intel.Indicator{{
		Type: intel.TypeIP, Value: "9.9.9.9", RiskScore: 90, Source: "x",
	}}, "")

	assert.Equal(t, 1, result.Created)
	assert.Empty(t, result.Errors)

	rec, err := store.FindIndicator(ctx, intel.TypeIP, "9.9.9.9")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestApply_InvalidIndicatorsRecorded(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	result := r.Apply(ctx, []intel.Indicator{
		{Type: intel.TypeIP, Value: "", RiskScore: 50},
		{Type: "BOGUS", Value: "whatever"},
		{Type: intel.TypeIP, Value: "1.1.1.1", RiskScore: 10},
	}, "x")

	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 1, result.Created)
	assert.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors["whatever"], "unknown indicator type")
}

func TestApply_FallbackSource(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	r.Apply(ctx, []intel.Indicator{{Type: intel.TypeIP, Value: "1.1.1.1", RiskScore: 10}}, "manual")

	rec, err := store.FindIndicator(ctx, intel.TypeIP, "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"manual"}, rec.Sources)
}

func TestApply_ConcurrentSameKey(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, zap.NewNop())
	ctx := context.Background()

	done := make(chan *Result, 4)
	for i := 0; i < 4; i++ {
		go func() {
			done <- r.Apply(ctx, []intel.Indicator{{
				Type: intel.TypeIP, Value: "7.7.7.7", RiskScore: 50, Source: "x",
			}}, "")
		}()
	}

	created := 0
	for i := 0; i < 4; i++ {
		result := <-done
		created += result.Created
		assert.Empty(t, result.Errors)
	}
	assert.Equal(t, 1, created, "concurrent applies of one key must create exactly once")
}
