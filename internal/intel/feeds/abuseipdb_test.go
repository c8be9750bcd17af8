package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelify/internal/intel"
)

func testConfig(baseURL, keyEnv string) Config {
	return Config{
		Enabled:   true,
		BaseURL:   baseURL,
		APIKeyEnv: keyEnv,
		Timeout:   5 * time.Second,
	}
}

// =============================================================================
// FetchLatest Tests
// =============================================================================

// TestAbuseIPDB_FetchLatest_MockWithoutKey verifies that a missing API key
// falls back to mock data instead of failing.
func TestAbuseIPDB_FetchLatest_MockWithoutKey(t *testing.T) {
	os.Unsetenv("TEST_ABUSEIPDB_KEY")

	adapter := NewAbuseIPDBAdapter(testConfig("", "TEST_ABUSEIPDB_KEY"), zap.NewNop())

	indicators, err := adapter.FetchLatest(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchLatest should not error without key: %v", err)
	}
	if len(indicators) != 1 {
		t.Fatalf("expected 1 mock indicator, got %d", len(indicators))
	}

	mock := indicators[0]
	if mock.Type != intel.TypeIP {
		t.Errorf("expected type IP, got %s", mock.Type)
	}
	if mock.Value != "45.15.118.212" {
		t.Errorf("unexpected mock value %q", mock.Value)
	}
	if mock.Confidence != 98 || mock.RiskScore != 98 {
		t.Errorf("expected confidence/risk 98, got %d/%d", mock.Confidence, mock.RiskScore)
	}
	if mock.Source != "abuseipdb" {
		t.Errorf("expected source 'abuseipdb', got %q", mock.Source)
	}
}

// TestAbuseIPDB_FetchLatest_Blacklist verifies blacklist normalization.
func TestAbuseIPDB_FetchLatest_Blacklist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blacklist" {
			t.Errorf("expected path /blacklist, got %s", r.URL.Path)
		}
		if r.Header.Get("Key") != "test-api-key" {
			t.Errorf("expected Key header, got %q", r.Header.Get("Key"))
		}
		if r.URL.Query().Get("confidenceMinimum") != "75" {
			t.Errorf("expected confidenceMinimum=75, got %q", r.URL.Query().Get("confidenceMinimum"))
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data": [
			{"ipAddress": "1.2.3.4", "abuseConfidenceScore": 92, "abuseCategories": ["SSH", "Brute-Force"], "totalReports": 300},
			{"ipAddress": "5.6.7.8", "abuseConfidenceScore": 80, "totalReports": 12}
		]}`))
	}))
	defer server.Close()

	os.Setenv("TEST_ABUSEIPDB_KEY", "test-api-key")
	defer os.Unsetenv("TEST_ABUSEIPDB_KEY")

	adapter := NewAbuseIPDBAdapter(testConfig(server.URL, "TEST_ABUSEIPDB_KEY"), zap.NewNop())

	indicators, err := adapter.FetchLatest(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchLatest failed: %v", err)
	}
	if len(indicators) != 2 {
		t.Fatalf("expected 2 indicators, got %d", len(indicators))
	}

	first := indicators[0]
	if first.Value != "1.2.3.4" {
		t.Errorf("expected value 1.2.3.4, got %q", first.Value)
	}
	if first.Confidence != 92 || first.RiskScore != 92 {
		t.Errorf("abuse confidence should map to both scores, got %d/%d", first.Confidence, first.RiskScore)
	}
	if !strings.Contains(first.Description, "SSH, Brute-Force") {
		t.Errorf("description should list categories, got %q", first.Description)
	}

	// No categories falls back to the generic label.
	if !strings.Contains(indicators[1].Description, "General Abuse") {
		t.Errorf("expected General Abuse fallback, got %q", indicators[1].Description)
	}
}

// TestAbuseIPDB_FetchLatest_TruncatesToLimit verifies the limit bound.
func TestAbuseIPDB_FetchLatest_TruncatesToLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data": [
			{"ipAddress": "1.1.1.1", "abuseConfidenceScore": 90},
			{"ipAddress": "2.2.2.2", "abuseConfidenceScore": 91},
			{"ipAddress": "3.3.3.3", "abuseConfidenceScore": 92}
		]}`))
	}))
	defer server.Close()

	os.Setenv("TEST_ABUSEIPDB_KEY", "test-api-key")
	defer os.Unsetenv("TEST_ABUSEIPDB_KEY")

	adapter := NewAbuseIPDBAdapter(testConfig(server.URL, "TEST_ABUSEIPDB_KEY"), zap.NewNop())

	indicators, err := adapter.FetchLatest(context.Background(), 2)
	if err != nil {
		t.Fatalf("FetchLatest failed: %v", err)
	}
	if len(indicators) != 2 {
		t.Errorf("expected 2 indicators after truncation, got %d", len(indicators))
	}
}

// TestAbuseIPDB_FetchLatest_ServerError verifies non-200 responses error out.
func TestAbuseIPDB_FetchLatest_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	os.Setenv("TEST_ABUSEIPDB_KEY", "test-api-key")
	defer os.Unsetenv("TEST_ABUSEIPDB_KEY")

	adapter := NewAbuseIPDBAdapter(testConfig(server.URL, "TEST_ABUSEIPDB_KEY"), zap.NewNop())

	_, err := adapter.FetchLatest(context.Background(), 10)
	if err == nil {
		t.Error("FetchLatest should fail on server error")
	}
	if !strings.Contains(err.Error(), "status 429") {
		t.Errorf("error should mention status code, got: %v", err)
	}
}

// =============================================================================
// Search Tests
// =============================================================================

// TestAbuseIPDB_Search_HighScore verifies a reported IP gets high-risk tags.
func TestAbuseIPDB_Search_HighScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/check" {
			t.Errorf("expected path /check, got %s", r.URL.Path)
		}
		if r.URL.Query().Get("ipAddress") != "9.9.9.9" {
			t.Errorf("expected ipAddress=9.9.9.9, got %q", r.URL.Query().Get("ipAddress"))
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data": {"ipAddress": "9.9.9.9", "abuseConfidenceScore": 75, "totalReports": 42, "countryCode": "NL"}}`))
	}))
	defer server.Close()

	os.Setenv("TEST_ABUSEIPDB_KEY", "test-api-key")
	defer os.Unsetenv("TEST_ABUSEIPDB_KEY")

	adapter := NewAbuseIPDBAdapter(testConfig(server.URL, "TEST_ABUSEIPDB_KEY"), zap.NewNop())

	hit, err := adapter.Search(context.Background(), "9.9.9.9", intel.TypeIP)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if hit == nil {
		t.Fatal("expected hit, got nil")
	}
	if hit.Confidence != 75 {
		t.Errorf("expected confidence 75, got %d", hit.Confidence)
	}
	if len(hit.Tags) != 2 || hit.Tags[0] != "Reported" || hit.Tags[1] != "HighRisk" {
		t.Errorf("expected [Reported HighRisk] tags, got %v", hit.Tags)
	}
}

// TestAbuseIPDB_Search_LowScore verifies low scores get the clean tag.
func TestAbuseIPDB_Search_LowScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data": {"ipAddress": "8.8.8.8", "abuseConfidenceScore": 0, "totalReports": 0}}`))
	}))
	defer server.Close()

	os.Setenv("TEST_ABUSEIPDB_KEY", "test-api-key")
	defer os.Unsetenv("TEST_ABUSEIPDB_KEY")

	adapter := NewAbuseIPDBAdapter(testConfig(server.URL, "TEST_ABUSEIPDB_KEY"), zap.NewNop())

	hit, err := adapter.Search(context.Background(), "8.8.8.8", intel.TypeIP)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if hit == nil {
		t.Fatal("expected hit, got nil")
	}
	if len(hit.Tags) != 1 || hit.Tags[0] != "Clean/LowRisk" {
		t.Errorf("expected [Clean/LowRisk] tags, got %v", hit.Tags)
	}
}

// TestAbuseIPDB_Search_NonIPType verifies non-IP lookups return no hit.
func TestAbuseIPDB_Search_NonIPType(t *testing.T) {
	os.Setenv("TEST_ABUSEIPDB_KEY", "test-api-key")
	defer os.Unsetenv("TEST_ABUSEIPDB_KEY")

	adapter := NewAbuseIPDBAdapter(testConfig("", "TEST_ABUSEIPDB_KEY"), zap.NewNop())

	hit, err := adapter.Search(context.Background(), "evil.com", intel.TypeDomain)
	if err != nil {
		t.Errorf("non-IP search should not error: %v", err)
	}
	if hit != nil {
		t.Error("expected nil hit for non-IP type")
	}
}

// TestAbuseIPDB_Search_NoKey verifies lookups without a key return no hit.
func TestAbuseIPDB_Search_NoKey(t *testing.T) {
	os.Unsetenv("TEST_ABUSEIPDB_KEY")

	adapter := NewAbuseIPDBAdapter(testConfig("", "TEST_ABUSEIPDB_KEY"), zap.NewNop())

	hit, err := adapter.Search(context.Background(), "9.9.9.9", intel.TypeIP)
	if err != nil {
		t.Errorf("search without key should not error: %v", err)
	}
	if hit != nil {
		t.Error("expected nil hit without API key")
	}
}
