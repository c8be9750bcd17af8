package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelify/internal/intel"
)

const malwareBazaarDefaultBaseURL = "https://mb-api.abuse.ch/api/v1"

// MalwareBazaarAdapter pulls recently submitted malware samples from abuse.ch
// MalwareBazaar and normalizes their SHA-256 hashes. Samples attributed to a
// malware family (signature) carry extra risk.
type MalwareBazaarAdapter struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewMalwareBazaarAdapter creates a MalwareBazaar adapter.
func NewMalwareBazaarAdapter(config Config, logger *zap.Logger) *MalwareBazaarAdapter {
	if config.BaseURL == "" {
		config.BaseURL = malwareBazaarDefaultBaseURL
	}
	return &MalwareBazaarAdapter{
		config: config,
		client: config.httpClient(),
		logger: logger,
	}
}

// Name returns the human-readable feed name.
func (a *MalwareBazaarAdapter) Name() string { return "MalwareBazaar" }

// SourceID returns the feed identifier used in storage and metrics.
func (a *MalwareBazaarAdapter) SourceID() string { return "malwarebazaar" }

type malwareBazaarResponse struct {
	QueryStatus string               `json:"query_status"`
	Data        []malwareBazaarEntry `json:"data"`
}

type malwareBazaarEntry struct {
	SHA256Hash string   `json:"sha256_hash"`
	SHA1Hash   string   `json:"sha1_hash"`
	MD5Hash    string   `json:"md5_hash"`
	FileName   string   `json:"file_name"`
	FileType   string   `json:"file_type"`
	Signature  string   `json:"signature"`
	Reporter   string   `json:"reporter"`
	FirstSeen  string   `json:"first_seen"`
	Tags       []string `json:"tags"`
}

func (a *MalwareBazaarAdapter) query(ctx context.Context, form url.Values) (*malwareBazaarResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if apiKey := a.config.apiKey(); apiKey != "" {
		req.Header.Set("Auth-Key", apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying MalwareBazaar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("MalwareBazaar returned status %d", resp.StatusCode)
	}

	var result malwareBazaarResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding MalwareBazaar response: %w", err)
	}
	return &result, nil
}

// FetchLatest pulls the most recent sample submissions, bounded to limit.
func (a *MalwareBazaarAdapter) FetchLatest(ctx context.Context, limit int) ([]intel.Indicator, error) {
	form := url.Values{}
	form.Set("query", "get_recent")
	form.Set("selector", "time")

	result, err := a.query(ctx, form)
	if err != nil {
		return nil, err
	}
	if result.QueryStatus != "ok" {
		return nil, fmt.Errorf("MalwareBazaar query status %q", result.QueryStatus)
	}

	indicators := make([]intel.Indicator, 0, len(result.Data))
	for _, entry := range truncate(result.Data, limit) {
		indicators = append(indicators, a.normalize(entry, intel.TypeHashSHA256, entry.SHA256Hash))
	}
	return indicators, nil
}

// Search looks a file hash up in MalwareBazaar. Non-hash types return no hit.
func (a *MalwareBazaarAdapter) Search(ctx context.Context, value string, t intel.Type) (*intel.Indicator, error) {
	if !t.IsHash() {
		return nil, nil
	}

	form := url.Values{}
	form.Set("query", "get_info")
	form.Set("hash", value)

	result, err := a.query(ctx, form)
	if err != nil {
		return nil, err
	}
	if result.QueryStatus != "ok" || len(result.Data) == 0 {
		return nil, nil
	}

	hit := a.normalize(result.Data[0], t, value)
	return &hit, nil
}

func (a *MalwareBazaarAdapter) normalize(entry malwareBazaarEntry, t intel.Type, value string) intel.Indicator {
	riskScore := 80
	signature := entry.Signature
	if signature != "" {
		riskScore += 10
	} else {
		signature = "Unclassified"
	}
	if riskScore > 100 {
		riskScore = 100
	}

	tags := append([]string{}, entry.Tags...)
	if entry.Signature != "" {
		tags = append(tags, entry.Signature)
	}
	if len(tags) == 0 {
		tags = []string{"MalwareSample"}
	}

	return intel.Indicator{
		Type:        t,
		Value:       value,
		Confidence:  85,
		RiskScore:   riskScore,
		Description: fmt.Sprintf("Malware sample on MalwareBazaar. Family: %s. File: %s", signature, entry.FileName),
		Tags:        tags,
		Source:      a.SourceID(),
		Metadata: map[string]any{
			"sha256":    entry.SHA256Hash,
			"sha1":      entry.SHA1Hash,
			"md5":       entry.MD5Hash,
			"fileType":  entry.FileType,
			"reporter":  entry.Reporter,
			"firstSeen": entry.FirstSeen,
		},
	}
}
