package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelify/internal/intel"
)

const abuseIPDBDefaultBaseURL = "https://api.abuseipdb.com/api/v2"

// AbuseIPDBAdapter pulls the AbuseIPDB blacklist of high-confidence abusive
// IPs. The feed's abuse-confidence percentage maps directly to both
// confidence and risk.
type AbuseIPDBAdapter struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewAbuseIPDBAdapter creates an AbuseIPDB adapter.
func NewAbuseIPDBAdapter(config Config, logger *zap.Logger) *AbuseIPDBAdapter {
	if config.BaseURL == "" {
		config.BaseURL = abuseIPDBDefaultBaseURL
	}
	return &AbuseIPDBAdapter{
		config: config,
		client: config.httpClient(),
		logger: logger,
	}
}

// Name returns the human-readable feed name.
func (a *AbuseIPDBAdapter) Name() string { return "AbuseIPDB" }

// SourceID returns the feed identifier used in storage and metrics.
func (a *AbuseIPDBAdapter) SourceID() string { return "abuseipdb" }

type abuseIPDBBlacklistResponse struct {
	Data []abuseIPDBEntry `json:"data"`
}

type abuseIPDBCheckResponse struct {
	Data abuseIPDBEntry `json:"data"`
}

type abuseIPDBEntry struct {
	IPAddress            string   `json:"ipAddress"`
	AbuseConfidenceScore int      `json:"abuseConfidenceScore"`
	AbuseCategories      []string `json:"abuseCategories"`
	TotalReports         int      `json:"totalReports"`
	LastReportedAt       string   `json:"lastReportedAt"`
	CountryCode          string   `json:"countryCode"`
}

// FetchLatest pulls the blacklist, bounded to limit. A missing API key yields
// the fixed mock entry; a network or decode failure yields an empty list.
func (a *AbuseIPDBAdapter) FetchLatest(ctx context.Context, limit int) ([]intel.Indicator, error) {
	apiKey := a.config.apiKey()
	if apiKey == "" {
		a.logger.Warn("AbuseIPDB API key missing, returning mock data",
			zap.String("env", a.config.APIKeyEnv))
		return a.mockIndicators(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/blacklist", nil)
	if err != nil {
		return nil, fmt.Errorf("creating blacklist request: %w", err)
	}
	q := req.URL.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("confidenceMinimum", "75")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Key", apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching AbuseIPDB blacklist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("AbuseIPDB returned status %d", resp.StatusCode)
	}

	var blacklist abuseIPDBBlacklistResponse
	if err := json.NewDecoder(resp.Body).Decode(&blacklist); err != nil {
		return nil, fmt.Errorf("decoding AbuseIPDB response: %w", err)
	}

	indicators := make([]intel.Indicator, 0, len(blacklist.Data))
	for _, entry := range truncate(blacklist.Data, limit) {
		categories := "General Abuse"
		if len(entry.AbuseCategories) > 0 {
			categories = strings.Join(entry.AbuseCategories, ", ")
		}
		indicators = append(indicators, intel.Indicator{
			Type:        intel.TypeIP,
			Value:       entry.IPAddress,
			Confidence:  entry.AbuseConfidenceScore,
			RiskScore:   entry.AbuseConfidenceScore,
			Description: fmt.Sprintf("High-risk IP reported in AbuseIPDB. Categories: %s", categories),
			Tags:        []string{"AbusiveIP", "ReputationLow"},
			Source:      a.SourceID(),
			Metadata: map[string]any{
				"totalReports":   entry.TotalReports,
				"lastReportedAt": entry.LastReportedAt,
			},
		})
	}
	return indicators, nil
}

// Search checks a single IP against AbuseIPDB. Only IP lookups are
// supported; anything else returns no hit.
func (a *AbuseIPDBAdapter) Search(ctx context.Context, value string, t intel.Type) (*intel.Indicator, error) {
	apiKey := a.config.apiKey()
	if t != intel.TypeIP || apiKey == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/check", nil)
	if err != nil {
		return nil, fmt.Errorf("creating check request: %w", err)
	}
	q := req.URL.Query()
	q.Set("ipAddress", value)
	q.Set("maxAgeInDays", "90")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Key", apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("AbuseIPDB lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("AbuseIPDB returned status %d", resp.StatusCode)
	}

	var check abuseIPDBCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&check); err != nil {
		return nil, fmt.Errorf("decoding AbuseIPDB response: %w", err)
	}

	entry := check.Data
	tags := []string{"Clean/LowRisk"}
	if entry.AbuseConfidenceScore > 50 {
		tags = []string{"Reported", "HighRisk"}
	}
	return &intel.Indicator{
		Type:        intel.TypeIP,
		Value:       entry.IPAddress,
		Confidence:  entry.AbuseConfidenceScore,
		RiskScore:   entry.AbuseConfidenceScore,
		Description: fmt.Sprintf("IP Check for %s: %d total reports.", value, entry.TotalReports),
		Tags:        tags,
		Source:      a.SourceID(),
		Metadata: map[string]any{
			"totalReports":   entry.TotalReports,
			"lastReportedAt": entry.LastReportedAt,
			"countryCode":    entry.CountryCode,
		},
	}, nil
}

func (a *AbuseIPDBAdapter) mockIndicators() []intel.Indicator {
	return []intel.Indicator{
		{
			Type:        intel.TypeIP,
			Value:       "45.15.118.212",
			Confidence:  98,
			RiskScore:   98,
			Description: "Mock: Highly reported malicious IP from AbuseIPDB.",
			Tags:        []string{"AbusiveIP", "SSH-Bruteforce"},
			Source:      a.SourceID(),
			Metadata:    map[string]any{"totalReports": 1450},
		},
	}
}
