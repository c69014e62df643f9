package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ErrInvalidAssetID is returned for an asset reference with no usable id.
var ErrInvalidAssetID = errors.New("invalid asset id")

type scanEnvelope struct {
	AssetID   json.RawMessage `json:"asset_id"`
	Timestamp int64           `json:"timestamp"`
}

// ParseScanRequest decodes a scan request message. asset_id may be a JSON
// number or a string such as "A-12"; timestamp is optional unix seconds.
func ParseScanRequest(data []byte) (*ScanRequest, error) {
	var env scanEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode scan request: %w", err)
	}
	if len(env.AssetID) == 0 || string(env.AssetID) == "null" {
		return nil, fmt.Errorf("missing asset_id: %w", ErrInvalidAssetID)
	}

	var id int64
	if env.AssetID[0] == '"' {
		var ref string
		if err := json.Unmarshal(env.AssetID, &ref); err != nil {
			return nil, fmt.Errorf("decode asset_id: %w", err)
		}
		parsed, err := ParseAssetID(ref)
		if err != nil {
			return nil, err
		}
		id = parsed
	} else {
		parsed, err := strconv.ParseInt(string(env.AssetID), 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s: %w", env.AssetID, ErrInvalidAssetID)
		}
		id = parsed
	}

	req := &ScanRequest{AssetID: id}
	if env.Timestamp > 0 {
		req.RequestedAt = time.Unix(env.Timestamp, 0).UTC()
	}
	return req, nil
}

// ParseAssetID accepts "12", "A-12" or "asset 12" and returns 12. Every
// non-digit character is discarded.
func ParseAssetID(ref string) (int64, error) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			return r
		}
		return -1
	}, ref)
	if digits == "" {
		return 0, fmt.Errorf("%q: %w", ref, ErrInvalidAssetID)
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%q: %w", ref, ErrInvalidAssetID)
	}
	return id, nil
}
