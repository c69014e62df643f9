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

const DefaultOTXBaseURL = "https://otx.alienvault.com"

// OTX looks up pulses that mention the asset's IP or domain.
type OTX struct {
	caller *Caller
	apiKey string
	log    *slog.Logger
}

func NewOTX(baseURL, apiKey string, deps Deps) *OTX {
	if baseURL == "" {
		baseURL = DefaultOTXBaseURL
	}
	c := NewCaller(string(intel.SourceOTX), baseURL, deps)
	return &OTX{caller: c, apiKey: apiKey, log: c.log}
}

func (o *OTX) Source() intel.Source { return intel.SourceOTX }

func (o *OTX) Fetch(ctx context.Context, asset intel.Asset) []intel.RawRecord {
	if !asset.HasIndicator() {
		return nil
	}
	ind, ok := networkIndicator(asset, o.log)
	if !ok {
		return nil
	}
	if o.apiKey == "" {
		logFailure(o.log, asset.ID, fmt.Errorf("otx: api key not configured: %w", ErrUnauthorized))
		return nil
	}

	section := "domain"
	switch ind.kind {
	case indicatorIPv4:
		section = "IPv4"
	case indicatorIPv6:
		section = "IPv6"
	}
	body, err := o.caller.Get(ctx, Request{
		Path:   fmt.Sprintf("/api/v1/indicators/%s/%s/general", section, url.PathEscape(ind.value)),
		Header: http.Header{"X-OTX-API-KEY": {o.apiKey}},
	})
	if err != nil {
		logFailure(o.log, asset.ID, err)
		return nil
	}

	var resp struct {
		PulseInfo struct {
			Pulses []json.RawMessage `json:"pulses"`
		} `json:"pulse_info"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		logFailure(o.log, asset.ID, fmt.Errorf("otx: decode response: %w", err))
		return nil
	}
	return rawRecords(intel.SourceOTX, resp.PulseInfo.Pulses)
}
