// Package source fetches provider-native threat items for an asset. Every
// adapter degrades to an empty result on failure; the pipeline keeps going
// with whatever the other providers returned.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/threatlens/threatscan/pkg/intel"
)

// Adapter fetches raw records for one asset from one provider.
type Adapter interface {
	Source() intel.Source
	Fetch(ctx context.Context, asset intel.Asset) []intel.RawRecord
}

type indicatorKind int

const (
	indicatorIPv4 indicatorKind = iota + 1
	indicatorIPv6
	indicatorDomain
)

type indicator struct {
	kind  indicatorKind
	value string
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// publicAddr parses s and reports whether it is routable on the internet.
func publicAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	addr = addr.Unmap()
	switch {
	case addr.IsPrivate(), addr.IsLoopback(), addr.IsUnspecified(),
		addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(), addr.IsMulticast():
		return addr, false
	case addr.Is4() && cgnat.Contains(addr):
		return addr, false
	}
	return addr, true
}

// networkIndicator picks what to query a reputation provider with: a public
// IP first, then the domain. Non-public IPs are never sent out.
func networkIndicator(asset intel.Asset, log *slog.Logger) (indicator, bool) {
	if ip := strings.TrimSpace(asset.IPAddress); ip != "" {
		addr, ok := publicAddr(ip)
		if ok {
			if addr.Is4() {
				return indicator{kind: indicatorIPv4, value: addr.String()}, true
			}
			return indicator{kind: indicatorIPv6, value: addr.String()}, true
		}
		log.Debug("skipping non-public ip", "asset_id", asset.ID, "ip", ip)
	}
	if domain := strings.TrimSpace(asset.Domain); domain != "" {
		return indicator{kind: indicatorDomain, value: strings.ToLower(domain)}, true
	}
	return indicator{}, false
}

// logFailure reports a failed fetch at a level matching its class.
func logFailure(log *slog.Logger, assetID int64, err error) {
	class := Classify(err)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Info("fetch abandoned", "asset_id", assetID, "class", class, "error", err)
	case class == OutcomeUnauthorized:
		log.Warn("provider rejected credentials", "asset_id", assetID, "class", class, "error", err)
	default:
		log.Warn("fetch failed", "asset_id", assetID, "class", class, "error", err)
	}
}

func rawRecords(src intel.Source, items []json.RawMessage) []intel.RawRecord {
	if len(items) == 0 {
		return nil
	}
	out := make([]intel.RawRecord, 0, len(items))
	for _, item := range items {
		if len(item) == 0 || string(item) == "null" {
			continue
		}
		out = append(out, intel.RawRecord{Source: src, Payload: item})
	}
	return out
}
