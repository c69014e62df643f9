package processor

import (
	"errors"
	"testing"
	"time"
)

func TestParseScanRequestNumericID(t *testing.T) {
	payload := []byte(`{
		"asset_id": 42,
		"timestamp": 1700000000
	}`)

	req, err := ParseScanRequest(payload)
	if err != nil {
		t.Fatalf("ParseScanRequest returned error: %v", err)
	}
	if req.AssetID != 42 {
		t.Fatalf("expected asset 42, got %d", req.AssetID)
	}
	if !req.RequestedAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("unexpected requested timestamp: %v", req.RequestedAt)
	}
}

func TestParseScanRequestPrefixedID(t *testing.T) {
	req, err := ParseScanRequest([]byte(`{"asset_id": "A-12"}`))
	if err != nil {
		t.Fatalf("ParseScanRequest returned error: %v", err)
	}
	if req.AssetID != 12 {
		t.Fatalf("expected asset 12, got %d", req.AssetID)
	}
	if !req.RequestedAt.IsZero() {
		t.Fatalf("expected no timestamp, got %v", req.RequestedAt)
	}
}

func TestParseScanRequestInvalid(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"missing id":     `{"timestamp": 1}`,
		"null id":        `{"asset_id": null}`,
		"no digits":      `{"asset_id": "asset"}`,
		"zero":           `{"asset_id": 0}`,
		"fractional":     `{"asset_id": 1.5}`,
		"overflow":       `{"asset_id": "99999999999999999999"}`,
		"negative float": `{"asset_id": -0.0}`,
	}
	for name, payload := range cases {
		if _, err := ParseScanRequest([]byte(payload)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}

func TestParseAssetID(t *testing.T) {
	for in, want := range map[string]int64{"12": 12, "A-12": 12, " asset 7 ": 7, "A-0012": 12} {
		got, err := ParseAssetID(in)
		if err != nil || got != want {
			t.Errorf("ParseAssetID(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := ParseAssetID("A-"); !errors.Is(err, ErrInvalidAssetID) {
		t.Fatalf("expected ErrInvalidAssetID, got %v", err)
	}
}
