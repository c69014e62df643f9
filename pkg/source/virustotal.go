package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/threatlens/threatscan/pkg/intel"
)

const DefaultVirusTotalBaseURL = "https://www.virustotal.com"

// VirusTotal reports an asset whose IP or domain is flagged by at least one
// engine.
type VirusTotal struct {
	caller *Caller
	apiKey string
	log    *slog.Logger
}

func NewVirusTotal(baseURL, apiKey string, deps Deps) *VirusTotal {
	if baseURL == "" {
		baseURL = DefaultVirusTotalBaseURL
	}
	c := NewCaller(string(intel.SourceVirusTotal), baseURL, deps)
	return &VirusTotal{caller: c, apiKey: apiKey, log: c.log}
}

func (v *VirusTotal) Source() intel.Source { return intel.SourceVirusTotal }

func (v *VirusTotal) Fetch(ctx context.Context, asset intel.Asset) []intel.RawRecord {
	if !asset.HasIndicator() {
		return nil
	}
	ind, ok := networkIndicator(asset, v.log)
	if !ok {
		return nil
	}
	if v.apiKey == "" {
		logFailure(v.log, asset.ID, fmt.Errorf("virustotal: api key not configured: %w", ErrUnauthorized))
		return nil
	}

	collection := "ip_addresses"
	if ind.kind == indicatorDomain {
		collection = "domains"
	}
	body, err := v.caller.Get(ctx, Request{
		Path:   fmt.Sprintf("/api/v3/%s/%s", collection, url.PathEscape(ind.value)),
		Header: http.Header{"x-apikey": {v.apiKey}},
	})
	if err != nil {
		logFailure(v.log, asset.ID, err)
		return nil
	}

	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		logFailure(v.log, asset.ID, fmt.Errorf("virustotal: decode response: %w", err))
		return nil
	}
	var stats struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious int `json:"malicious"`
			} `json:"last_analysis_stats"`
		} `json:"attributes"`
	}
	if len(resp.Data) == 0 || json.Unmarshal(resp.Data, &stats) != nil {
		return nil
	}
	if stats.Attributes.LastAnalysisStats.Malicious <= 0 {
		return nil
	}
	return rawRecords(intel.SourceVirusTotal, []json.RawMessage{resp.Data})
}
