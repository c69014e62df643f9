package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/threatlens/threatscan/pkg/intel"
)

const (
	DefaultNVDBaseURL = "https://services.nvd.nist.gov"
	nvdPath           = "/rest/json/cves/2.0"
	nvdPageSize       = 20
)

// NVD looks up vulnerabilities by the asset's CPE identifier.
type NVD struct {
	caller *Caller
	apiKey string
	log    *slog.Logger
}

// NewNVD builds the NVD adapter. The API key is optional and only raises
// the provider's own quota.
func NewNVD(baseURL, apiKey string, deps Deps) *NVD {
	if baseURL == "" {
		baseURL = DefaultNVDBaseURL
	}
	c := NewCaller(string(intel.SourceNVD), baseURL, deps)
	return &NVD{caller: c, apiKey: apiKey, log: c.log}
}

func (n *NVD) Source() intel.Source { return intel.SourceNVD }

func (n *NVD) Fetch(ctx context.Context, asset intel.Asset) []intel.RawRecord {
	cpe := strings.TrimSpace(asset.CPE)
	if !asset.HasIndicator() || cpe == "" {
		return nil
	}

	req := Request{
		Path: nvdPath,
		Query: url.Values{
			"cpeName":        {cpe},
			"startIndex":     {"0"},
			"resultsPerPage": {strconv.Itoa(nvdPageSize)},
		},
	}
	if n.apiKey != "" {
		req.Header = http.Header{"apiKey": {n.apiKey}}
	}

	body, err := n.caller.Get(ctx, req)
	if err != nil {
		logFailure(n.log, asset.ID, err)
		return nil
	}

	var resp struct {
		Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		logFailure(n.log, asset.ID, fmt.Errorf("nvd: decode response: %w", err))
		return nil
	}
	return rawRecords(intel.SourceNVD, resp.Vulnerabilities)
}
