package models

import "time"

// TrafficBucket is the width of one traffic aggregate
const TrafficBucket = 5 * time.Minute

// DeviceTraffic is the traffic of one device through one node within one bucket
type DeviceTraffic struct {
	DeviceID      string    `json:"deviceId"`
	UserID        string    `json:"userId"`
	NodeID        string    `json:"nodeId"`
	BucketStart   time.Time `json:"bucketStart"`
	BucketSeconds int       `json:"bucketSeconds"`
	UploadBytes   int64     `json:"uploadBytes"`
	DownloadBytes int64     `json:"downloadBytes"`
	ConnectCount  int64     `json:"connectCount"`
}

// BucketStart returns the start of the traffic bucket containing t, in UTC
func BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(TrafficBucket)
}

// TrafficFilter narrows a device traffic history. From and To bound the bucket start, inclusive.
type TrafficFilter struct {
	NodeID string
	From   *time.Time
	To     *time.Time
}

// Validate rejects an inverted time range
func (f TrafficFilter) Validate() error {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return NewValidationError("to", "must not be before from")
	}
	return nil
}
