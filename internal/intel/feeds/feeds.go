// Package feeds implements the OSINT feed adapters: AbuseIPDB, AlienVault
// OTX, URLhaus and MalwareBazaar. Each adapter maps its feed's native item
// shape into the normalized indicator model and owns its own failure
// handling; a dead or keyless feed degrades to an empty or mock result
// instead of failing ingestion.
package feeds

import (
	"net/http"
	"os"
	"time"
)

// Config holds the settings common to every feed adapter.
type Config struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

func (c Config) apiKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

func (c Config) httpClient() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// truncate bounds a slice to the requested limit. Feeds returning more items
// than asked for are cut, not rejected.
func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
