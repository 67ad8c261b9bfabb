package models

// Peer represents a discovered remote device.
type Peer struct {
	DeviceID          string `json:"device_id"`
	DeviceName        string `json:"device_name"`
	Address           string `json:"address"`
	Port              int    `json:"port"`
	LastSeenTimestamp int64  `json:"last_seen_timestamp"`
}
