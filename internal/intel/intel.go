// Package intel defines the normalized indicator model shared by all OSINT
// feed adapters, and the adapter contract itself. Every feed, whatever its
// native schema, is reduced to this shape before ingestion sees it.
package intel

import (
	"context"
)

// Type classifies an indicator of compromise.
type Type string

const (
	TypeIP         Type = "IP"
	TypeDomain     Type = "DOMAIN"
	TypeURL        Type = "URL"
	TypeHashMD5    Type = "HASH_MD5"
	TypeHashSHA1   Type = "HASH_SHA1"
	TypeHashSHA256 Type = "HASH_SHA256"
	TypeEmail      Type = "EMAIL"
	TypeFilePath   Type = "FILE_PATH"
)

// Valid reports whether t is one of the known indicator types.
func (t Type) Valid() bool {
	switch t {
	case TypeIP, TypeDomain, TypeURL, TypeHashMD5, TypeHashSHA1,
		TypeHashSHA256, TypeEmail, TypeFilePath:
		return true
	}
	return false
}

// IsHash reports whether t is one of the file-hash types.
func (t Type) IsHash() bool {
	return t == TypeHashMD5 || t == TypeHashSHA1 || t == TypeHashSHA256
}

// HashTypeFor maps a hex digest to its hash type by length.
// Returns an empty Type for unrecognized lengths.
func HashTypeFor(hash string) Type {
	switch len(hash) {
	case 32:
		return TypeHashMD5
	case 40:
		return TypeHashSHA1
	case 64:
		return TypeHashSHA256
	}
	return ""
}

// Indicator is the normalized representation of a threat indicator.
// (Type, Value) is the natural key: two indicators with the same key from
// different feeds are the same logical indicator.
type Indicator struct {
	Type         Type           `json:"type"`
	Value        string         `json:"value"`
	Confidence   int            `json:"confidence"` // 0-100
	RiskScore    int            `json:"risk_score"` // 0-100
	Description  string         `json:"description,omitempty"`
	Tags         []string       `json:"tags"`
	ASN          string         `json:"asn,omitempty"`
	Organization string         `json:"organization,omitempty"`
	Geolocation  string         `json:"geolocation,omitempty"`
	Source       string         `json:"source,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Key returns the natural identity of the indicator, e.g. "IP:1.2.3.4".
func (i Indicator) Key() string {
	return string(i.Type) + ":" + i.Value
}

// Adapter is the capability contract every OSINT feed implements.
//
// FetchLatest pulls the feed's most recent indicators, normalized and
// truncated to limit. Feed failures are the adapter's own problem: a dead or
// misconfigured feed yields an empty (or fixed mock) list, never an error
// that could abort ingestion from the other feeds. The error return exists
// for logging; callers must treat it as advisory.
//
// Search performs a point lookup. It returns (nil, nil) when the feed does
// not support lookups for the given type or has nothing on record.
type Adapter interface {
	Name() string
	SourceID() string
	FetchLatest(ctx context.Context, limit int) ([]Indicator, error)
	Search(ctx context.Context, value string, t Type) (*Indicator, error)
}

// SearchCache caches point-lookup fan-out results keyed by "TYPE:value".
// Implementations must distinguish a cached miss (found with empty hits)
// from an absent entry.
type SearchCache interface {
	Get(ctx context.Context, key string) ([]Indicator, bool)
	Set(ctx context.Context, key string, hits []Indicator)
}
