package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/threatlens/threatscan/pkg/intel"
)

const (
	DefaultMITRECatalogURL = "https://raw.githubusercontent.com/mitre/cti/master/enterprise-attack/enterprise-attack.json"
	DefaultMITRECacheTTL   = 24 * time.Hour

	mitreCacheKey      = "mitre/techniques"
	mitreMaxTechniques = 10
)

// Cache stores the extracted technique catalog between scans.
type Cache interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
}

// technique is the matching view of an ATT&CK attack-pattern. Raw keeps the
// original STIX object for normalization.
type technique struct {
	ID        string          `json:"id"`
	Platforms []string        `json:"platforms"`
	Tactics   []string        `json:"tactics"`
	Raw       json.RawMessage `json:"raw"`
}

// MITRE matches ATT&CK techniques to an asset by platform and by the tactics
// that matter for its type.
type MITRE struct {
	caller *Caller
	cache  Cache
	ttl    time.Duration
	log    *slog.Logger
}

// NewMITRE builds the ATT&CK adapter. cache may be nil, in which case the
// catalog is downloaded on every scan.
func NewMITRE(catalogURL string, cache Cache, ttl time.Duration, deps Deps) *MITRE {
	if catalogURL == "" {
		catalogURL = DefaultMITRECatalogURL
	}
	if ttl <= 0 {
		ttl = DefaultMITRECacheTTL
	}
	c := NewCaller(string(intel.SourceMITRE), catalogURL, deps)
	return &MITRE{caller: c, cache: cache, ttl: ttl, log: c.log}
}

func (m *MITRE) Source() intel.Source { return intel.SourceMITRE }

func (m *MITRE) Fetch(ctx context.Context, asset intel.Asset) []intel.RawRecord {
	if !asset.HasIndicator() {
		return nil
	}
	platforms := assetPlatforms(asset)
	if len(platforms) == 0 {
		return nil
	}

	catalog, err := m.techniques(ctx)
	if err != nil {
		logFailure(m.log, asset.ID, err)
		return nil
	}

	matches := matchTechniques(catalog, platforms, priorityTactics(asset.Type))
	items := make([]json.RawMessage, 0, len(matches))
	for _, t := range matches {
		items = append(items, t.Raw)
	}
	return rawRecords(intel.SourceMITRE, items)
}

func (m *MITRE) techniques(ctx context.Context) ([]technique, error) {
	if m.cache != nil {
		if b, err := m.cache.Get(mitreCacheKey); err == nil {
			var cached []technique
			if err := json.Unmarshal(b, &cached); err == nil {
				return cached, nil
			}
			m.log.Warn("discarding unreadable technique cache")
		}
	}

	body, err := m.caller.Get(ctx, Request{})
	if err != nil {
		return nil, err
	}
	catalog, err := extractTechniques(body)
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if b, err := json.Marshal(catalog); err == nil {
			if err := m.cache.Set(mitreCacheKey, b, m.ttl); err != nil {
				m.log.Warn("failed to cache technique catalog", "error", err)
			}
		}
	}
	m.log.Info("loaded technique catalog", "techniques", len(catalog))
	return catalog, nil
}

func extractTechniques(bundle []byte) ([]technique, error) {
	var doc struct {
		Objects []json.RawMessage `json:"objects"`
	}
	if err := json.Unmarshal(bundle, &doc); err != nil {
		return nil, fmt.Errorf("mitre: decode bundle: %w", err)
	}

	out := make([]technique, 0, len(doc.Objects))
	for _, raw := range doc.Objects {
		var obj struct {
			Type       string   `json:"type"`
			Revoked    bool     `json:"revoked"`
			Deprecated bool     `json:"x_mitre_deprecated"`
			Platforms  []string `json:"x_mitre_platforms"`
			References []struct {
				SourceName string `json:"source_name"`
				ExternalID string `json:"external_id"`
			} `json:"external_references"`
			Phases []struct {
				PhaseName string `json:"phase_name"`
			} `json:"kill_chain_phases"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		if obj.Type != "attack-pattern" || obj.Revoked || obj.Deprecated {
			continue
		}

		t := technique{Raw: raw}
		for _, ref := range obj.References {
			if ref.SourceName == "mitre-attack" && ref.ExternalID != "" {
				t.ID = ref.ExternalID
				break
			}
		}
		if t.ID == "" {
			continue
		}
		for _, p := range obj.Platforms {
			t.Platforms = append(t.Platforms, strings.ToLower(p))
		}
		for _, ph := range obj.Phases {
			t.Tactics = append(t.Tactics, ph.PhaseName)
		}
		out = append(out, t)
	}
	return out, nil
}

// assetPlatforms derives ATT&CK platform names from the asset's OS and type.
func assetPlatforms(asset intel.Asset) []string {
	os := strings.ToLower(asset.OperatingSystem)
	var platforms []string
	switch {
	case strings.Contains(os, "windows"):
		platforms = append(platforms, "windows")
	case strings.Contains(os, "linux"), strings.Contains(os, "ubuntu"),
		strings.Contains(os, "debian"), strings.Contains(os, "centos"),
		strings.Contains(os, "red hat"), strings.Contains(os, "rhel"):
		platforms = append(platforms, "linux")
	case strings.Contains(os, "macos"), strings.Contains(os, "mac os"), strings.Contains(os, "os x"):
		platforms = append(platforms, "macos")
	}

	switch strings.ToLower(strings.TrimSpace(asset.Type)) {
	case "server", "web server", "application server", "database server":
		platforms = append(platforms, "linux", "windows")
	case "firewall", "router", "switch", "network device":
		platforms = append(platforms, "network")
	}
	return dedupe(platforms)
}

// priorityTactics returns the tactics a technique must touch to be relevant
// for the asset type. nil means every tactic qualifies.
func priorityTactics(assetType string) []string {
	switch strings.ToLower(strings.TrimSpace(assetType)) {
	case "server", "web server", "application server":
		return []string{"initial-access", "execution", "persistence", "privilege-escalation"}
	case "database", "database server":
		return []string{"exfiltration", "collection", "credential-access"}
	case "firewall", "router", "network device":
		return []string{"defense-evasion", "lateral-movement", "command-and-control"}
	}
	return nil
}

// matchTechniques filters by platform and priority tactic, then orders by
// tactic count (descending) and technique id, keeping the top entries.
func matchTechniques(catalog []technique, platforms, tactics []string) []technique {
	var out []technique
	for _, t := range catalog {
		if !intersects(t.Platforms, platforms) {
			continue
		}
		if len(tactics) > 0 && !intersects(t.Tactics, tactics) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].Tactics) != len(out[j].Tactics) {
			return len(out[i].Tactics) > len(out[j].Tactics)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > mitreMaxTechniques {
		out = out[:mitreMaxTechniques]
	}
	return out
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
