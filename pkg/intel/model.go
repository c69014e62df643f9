package intel

import (
	"encoding/json"
	"strings"
	"time"
)

// Source identifies the intelligence provider a record came from.
type Source string

const (
	SourceNVD        Source = "nvd"
	SourceOTX        Source = "otx"
	SourceVirusTotal Source = "virustotal"
	SourceMITRE      Source = "mitre"
)

// Sources lists every known provider in canonical order.
func Sources() []Source {
	return []Source{SourceNVD, SourceOTX, SourceVirusTotal, SourceMITRE}
}

// Valid reports whether s is one of the known providers.
func (s Source) Valid() bool {
	switch s {
	case SourceNVD, SourceOTX, SourceVirusTotal, SourceMITRE:
		return true
	}
	return false
}

// Severity is the ordinal severity shared by all canonical records.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity maps a provider label onto the ordinal enum. Unknown or empty
// labels map to LOW.
func ParseSeverity(label string) Severity {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH":
		return SeverityHigh
	case "MEDIUM", "MODERATE":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Rank returns the ordinal position of the severity, LOW being 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Asset is the read-only view of a registered IT asset.
type Asset struct {
	ID                 int64    `json:"asset_id"`
	Name               string   `json:"name"`
	Type               string   `json:"type"`
	Department         string   `json:"department,omitempty"`
	Location           string   `json:"location,omitempty"`
	OperatingSystem    string   `json:"operating_system,omitempty"`
	OSVersion          string   `json:"os_version,omitempty"`
	Software           []string `json:"software_installed,omitempty"`
	IPAddress          string   `json:"ip_address,omitempty"`
	Domain             string   `json:"domain,omitempty"`
	CPE                string   `json:"cpe_identifier,omitempty"`
	Criticality        string   `json:"criticality,omitempty"`
	DataClassification string   `json:"data_classification,omitempty"`
}

// HasIndicator reports whether the asset carries anything a provider could be
// queried with.
func (a Asset) HasIndicator() bool {
	return strings.TrimSpace(a.IPAddress) != "" ||
		strings.TrimSpace(a.Domain) != "" ||
		strings.TrimSpace(a.CPE) != ""
}

// RawRecord is a single provider-native item as returned by an adapter.
type RawRecord struct {
	Source  Source
	Payload json.RawMessage
}

// Key is the natural key of a canonical record.
type Key struct {
	Source     Source
	ExternalID string
}

// Record is the canonical, provider-agnostic threat or vulnerability.
type Record struct {
	Source      Source     `json:"source"`
	ExternalID  string     `json:"external_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Severity    Severity   `json:"severity"`
	Score       float64    `json:"score"`
	Published   *time.Time `json:"published_date,omitempty"`
}

// Key returns the (source, external_id) pair identifying the record.
func (r Record) Key() Key {
	return Key{Source: r.Source, ExternalID: r.ExternalID}
}

// Method records which scoring path produced a risk score.
type Method string

const (
	MethodInference Method = "inference"
	MethodFallback  Method = "fallback"
)

// ScanResult is the immutable outcome of one scan of one asset.
type ScanResult struct {
	ScanID    string    `json:"scan_id"`
	AssetID   int64     `json:"asset_id"`
	RiskScore float64   `json:"risk_score"`
	Method    Method    `json:"score_method"`
	Records   []Record  `json:"threat_records"`
	ScannedAt time.Time `json:"scanned_at"`
}
