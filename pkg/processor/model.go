package processor

import "time"

// ScanRequest asks for one asset to be scanned.
type ScanRequest struct {
	AssetID     int64
	RequestedAt time.Time
	MessageID   string
}
