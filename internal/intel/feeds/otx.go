package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/lvonguyen/intelify/internal/intel"
)

const otxDefaultBaseURL = "https://otx.alienvault.com/api/v1"

// OTXAdapter pulls indicators from AlienVault OTX subscribed pulses. A pulse
// is a named collection of indicators describing one campaign; pulses with a
// known adversary are reported with boosted confidence and risk.
type OTXAdapter struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewOTXAdapter creates an AlienVault OTX adapter.
func NewOTXAdapter(config Config, logger *zap.Logger) *OTXAdapter {
	if config.BaseURL == "" {
		config.BaseURL = otxDefaultBaseURL
	}
	return &OTXAdapter{
		config: config,
		client: config.httpClient(),
		logger: logger,
	}
}

// Name returns the human-readable feed name.
func (a *OTXAdapter) Name() string { return "AlienVault OTX" }

// SourceID returns the feed identifier used in storage and metrics.
func (a *OTXAdapter) SourceID() string { return "alienvault" }

type otxPulseListResponse struct {
	Results []otxPulse `json:"results"`
}

type otxPulse struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Adversary       string         `json:"adversary"`
	Tags            []string       `json:"tags"`
	MalwareFamilies []string       `json:"malware_families"`
	References      []string       `json:"references"`
	Indicators      []otxIndicator `json:"indicators"`
}

type otxIndicator struct {
	Indicator string `json:"indicator"`
	Type      string `json:"type"`
}

// FetchLatest flattens subscribed pulses into normalized indicators, stopping
// at limit. A missing API key yields the fixed mock entries.
func (a *OTXAdapter) FetchLatest(ctx context.Context, limit int) ([]intel.Indicator, error) {
	apiKey := a.config.apiKey()
	if apiKey == "" {
		a.logger.Warn("AlienVault OTX API key missing, returning mock data",
			zap.String("env", a.config.APIKeyEnv))
		return a.mockIndicators(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/pulses/subscribed", nil)
	if err != nil {
		return nil, fmt.Errorf("creating pulses request: %w", err)
	}
	q := req.URL.Query()
	q.Set("limit", strconv.Itoa(limit))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-OTX-API-KEY", apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching OTX pulses: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OTX returned status %d", resp.StatusCode)
	}

	var pulses otxPulseListResponse
	if err := json.NewDecoder(resp.Body).Decode(&pulses); err != nil {
		return nil, fmt.Errorf("decoding OTX response: %w", err)
	}

	var indicators []intel.Indicator
	for _, pulse := range pulses.Results {
		confidence := 50
		if pulse.Adversary != "" {
			confidence = 80
		}
		description := pulse.Description
		if description == "" {
			description = fmt.Sprintf("IOC from AlienVault Pulse: %s", pulse.Name)
		}
		tags := append(append([]string{}, pulse.Tags...), pulse.MalwareFamilies...)

		for _, ind := range pulse.Indicators {
			indicators = append(indicators, intel.Indicator{
				Type:        mapOTXType(ind.Type),
				Value:       ind.Indicator,
				Confidence:  confidence,
				RiskScore:   otxRiskScore(ind.Type, pulse.Adversary != ""),
				Description: description,
				Tags:        tags,
				Source:      a.SourceID(),
				Metadata: map[string]any{
					"pulseId":    pulse.ID,
					"pulseName":  pulse.Name,
					"adversary":  pulse.Adversary,
					"references": pulse.References,
				},
			})
			if limit > 0 && len(indicators) >= limit {
				return indicators, nil
			}
		}
	}
	return indicators, nil
}

// Search is not supported for OTX; pulse membership lookups need the general
// endpoint per indicator type, which this feed is not wired for.
func (a *OTXAdapter) Search(ctx context.Context, value string, t intel.Type) (*intel.Indicator, error) {
	return nil, nil
}

// mapOTXType converts an OTX indicator type to the normalized type.
// Unrecognized types fall back to DOMAIN, matching the feed's bias toward
// hostname-like indicators.
func mapOTXType(otxType string) intel.Type {
	switch otxType {
	case "IPv4", "IPv6":
		return intel.TypeIP
	case "domain", "hostname":
		return intel.TypeDomain
	case "URL":
		return intel.TypeURL
	case "FileHash-MD5":
		return intel.TypeHashMD5
	case "FileHash-SHA1":
		return intel.TypeHashSHA1
	case "FileHash-SHA256":
		return intel.TypeHashSHA256
	case "email":
		return intel.TypeEmail
	default:
		return intel.TypeDomain
	}
}

// otxRiskScore derives risk from the native type and pulse adversary flag:
// base 50, +20 for file hashes, +20 when an adversary is attributed, capped
// at 100.
func otxRiskScore(otxType string, hasAdversary bool) int {
	score := 50
	if mapOTXType(otxType).IsHash() {
		score += 20
	}
	if hasAdversary {
		score += 20
	}
	if score > 100 {
		score = 100
	}
	return score
}

func (a *OTXAdapter) mockIndicators() []intel.Indicator {
	return []intel.Indicator{
		{
			Type:        intel.TypeIP,
			Value:       "194.26.135.117",
			Confidence:  85,
			RiskScore:   92,
			Description: "Known C2 infrastructure observed in recent campaign.",
			Tags:        []string{"C2", "CobaltStrike", "LockBit"},
			Source:      a.SourceID(),
			Metadata:    map[string]any{"pulseName": "Mock Campaign Alpha"},
		},
		{
			Type:        intel.TypeDomain,
			Value:       "secure-login-update.com",
			Confidence:  90,
			RiskScore:   88,
			Description: "Phishing domain impersonating banking portal.",
			Tags:        []string{"Phishing", "CredentialHarvesting"},
			Source:      a.SourceID(),
			Metadata:    map[string]any{"pulseName": "Mock Phish Cluster"},
		},
	}
}
