package intel

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Fixed scores used when a provider reports no numeric value.
const (
	otxMalwareScore    = 70
	otxDefaultScore    = 40
	vtScorePerEngine   = 10
	vtHighEngineCount  = 5
	mitreBaseScore     = 30
	mitrePhaseScore    = 15
	mitreMaxScore      = 75
	nativeScaleFactor  = 10
	fallbackIDHexChars = 16
)

// severityMidpoint gives a score for a record that only carries a label.
var severityMidpoint = map[Severity]float64{
	SeverityLow:      20,
	SeverityMedium:   50,
	SeverityHigh:     80,
	SeverityCritical: 95,
}

// SeverityFromNative maps a score on the 0-10 scale onto the ordinal enum.
func SeverityFromNative(score float64) Severity {
	switch {
	case score >= 9:
		return SeverityCritical
	case score >= 7:
		return SeverityHigh
	case score >= 4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SeverityFromScore maps a score on the common 0-100 scale onto the enum.
func SeverityFromScore(score float64) Severity {
	return SeverityFromNative(score / nativeScaleFactor)
}

// Normalize converts one provider-native item into a canonical record. It
// fails only for an unknown source or a payload that is not a JSON object;
// missing optional fields are replaced with defaults.
func Normalize(src Source, raw json.RawMessage) (Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Record{}, fmt.Errorf("normalize %s: payload is not a JSON object", src)
	}

	var (
		rec Record
		err error
	)
	switch src {
	case SourceNVD:
		rec, err = normalizeNVD(trimmed)
	case SourceOTX:
		rec, err = normalizeOTX(trimmed)
	case SourceVirusTotal:
		rec, err = normalizeVirusTotal(trimmed)
	case SourceMITRE:
		rec, err = normalizeMITRE(trimmed)
	default:
		return Record{}, fmt.Errorf("normalize: unknown source %q", src)
	}
	if err != nil {
		return Record{}, fmt.Errorf("normalize %s: %w", src, err)
	}

	rec.Source = src
	rec.Score = clampScore(rec.Score)
	if rec.Severity == "" {
		rec.Severity = SeverityLow
	}
	if rec.ExternalID == "" {
		rec.ExternalID = fallbackID(trimmed)
	}
	if rec.Name == "" {
		rec.Name = rec.ExternalID
	}
	return rec, nil
}

type nvdCVSSData struct {
	BaseScore    *float64 `json:"baseScore"`
	BaseSeverity string   `json:"baseSeverity"`
}

type nvdMetric struct {
	CVSSData     nvdCVSSData `json:"cvssData"`
	BaseSeverity string      `json:"baseSeverity"`
}

type nvdMetrics struct {
	V31 []nvdMetric `json:"cvssMetricV31"`
	V30 []nvdMetric `json:"cvssMetricV30"`
	V2  []nvdMetric `json:"cvssMetricV2"`
}

type nvdEntry struct {
	CVE struct {
		ID           string `json:"id"`
		Published    string `json:"published"`
		Descriptions []struct {
			Lang  string `json:"lang"`
			Value string `json:"value"`
		} `json:"descriptions"`
		Metrics nvdMetrics `json:"metrics"`
	} `json:"cve"`
	Metrics nvdMetrics `json:"metrics"`
}

func normalizeNVD(raw []byte) (Record, error) {
	var e nvdEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Record{}, err
	}
	rec := Record{
		ExternalID: e.CVE.ID,
		Name:       e.CVE.ID,
		Published:  parseTime(e.CVE.Published),
	}
	for _, d := range e.CVE.Descriptions {
		if rec.Description == "" || strings.EqualFold(d.Lang, "en") {
			rec.Description = d.Value
			if strings.EqualFold(d.Lang, "en") {
				break
			}
		}
	}

	metric, ok := pickCVSS(e.CVE.Metrics)
	if !ok {
		metric, ok = pickCVSS(e.Metrics)
	}
	switch {
	case ok && metric.CVSSData.BaseScore != nil:
		base := *metric.CVSSData.BaseScore
		rec.Score = base * nativeScaleFactor
		rec.Severity = SeverityFromNative(base)
	case ok:
		label := metric.CVSSData.BaseSeverity
		if label == "" {
			label = metric.BaseSeverity
		}
		rec.Severity = ParseSeverity(label)
		rec.Score = severityMidpoint[rec.Severity]
	default:
		rec.Severity = SeverityLow
		rec.Score = severityMidpoint[SeverityLow]
	}
	return rec, nil
}

func pickCVSS(m nvdMetrics) (nvdMetric, bool) {
	for _, set := range [][]nvdMetric{m.V31, m.V30, m.V2} {
		if len(set) > 0 {
			return set[0], true
		}
	}
	return nvdMetric{}, false
}

type otxPulse struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Created         string            `json:"created"`
	MalwareFamilies []json.RawMessage `json:"malware_families"`
}

func normalizeOTX(raw []byte) (Record, error) {
	var p otxPulse
	if err := json.Unmarshal(raw, &p); err != nil {
		return Record{}, err
	}
	score := float64(otxDefaultScore)
	if len(p.MalwareFamilies) > 0 {
		score = otxMalwareScore
	}
	return Record{
		ExternalID:  p.ID,
		Name:        p.Name,
		Description: p.Description,
		Score:       score,
		Severity:    SeverityFromScore(score),
		Published:   parseTime(p.Created),
	}, nil
}

type vtObject struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		LastAnalysisDate  int64 `json:"last_analysis_date"`
		LastAnalysisStats struct {
			Malicious  int `json:"malicious"`
			Suspicious int `json:"suspicious"`
		} `json:"last_analysis_stats"`
	} `json:"attributes"`
}

func normalizeVirusTotal(raw []byte) (Record, error) {
	var o vtObject
	if err := json.Unmarshal(raw, &o); err != nil {
		return Record{}, err
	}
	mal := o.Attributes.LastAnalysisStats.Malicious
	if mal < 0 {
		mal = 0
	}
	sev := SeverityLow
	switch {
	case mal > vtHighEngineCount:
		sev = SeverityHigh
	case mal >= 1:
		sev = SeverityMedium
	}
	rec := Record{
		Name:        "VirusTotal Detection",
		Description: fmt.Sprintf("%d engines flagged this asset", mal),
		Score:       math.Min(100, float64(mal*vtScorePerEngine)),
		Severity:    sev,
	}
	if o.ID != "" {
		kind := o.Type
		if kind == "" {
			kind = "object"
		}
		rec.ExternalID = fmt.Sprintf("vt-%s-%s", kind, o.ID)
	}
	if ts := o.Attributes.LastAnalysisDate; ts > 0 {
		t := time.Unix(ts, 0).UTC()
		rec.Published = &t
	}
	return rec, nil
}

type mitreTechnique struct {
	Name               string `json:"name"`
	Description        string `json:"description"`
	Created            string `json:"created"`
	ExternalReferences []struct {
		SourceName string `json:"source_name"`
		ExternalID string `json:"external_id"`
	} `json:"external_references"`
	KillChainPhases []struct {
		PhaseName string `json:"phase_name"`
	} `json:"kill_chain_phases"`
}

func normalizeMITRE(raw []byte) (Record, error) {
	var t mitreTechnique
	if err := json.Unmarshal(raw, &t); err != nil {
		return Record{}, err
	}
	rec := Record{
		Name:        t.Name,
		Description: t.Description,
		Published:   parseTime(t.Created),
	}
	for _, ref := range t.ExternalReferences {
		if ref.ExternalID == "" {
			continue
		}
		if rec.ExternalID == "" || ref.SourceName == "mitre-attack" {
			rec.ExternalID = ref.ExternalID
		}
		if ref.SourceName == "mitre-attack" {
			break
		}
	}
	score := float64(mitreBaseScore)
	if n := len(t.KillChainPhases); n > 1 {
		score = math.Min(mitreMaxScore, float64(mitreBaseScore+mitrePhaseScore*(n-1)))
	}
	rec.Score = score
	rec.Severity = SeverityFromScore(score)
	return rec, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func fallbackID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:fallbackIDHexChars]
}
