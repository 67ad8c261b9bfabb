package network

import (
	"time"

	"lanbeam/models"
)

// EventType identifies transfer lifecycle events.
type EventType string

const (
	// EventWaiting is emitted when a send session is armed and waiting for
	// a receiver to present the pairing code.
	EventWaiting EventType = "transfer-waiting"
	// EventStarted is emitted when a receive session has dialed the sender.
	EventStarted EventType = "transfer-started"
	// EventConnected is emitted once the pairing handshake succeeds and the
	// file catalog is known on both sides.
	EventConnected EventType = "transfer-connected"
	// EventProgress is emitted as bytes move.
	EventProgress EventType = "transfer-progress"
	// EventCompleted is emitted exactly once when a transfer finishes.
	EventCompleted EventType = "transfer-completed"
	// EventError is emitted when a session fails.
	EventError EventType = "transfer-error"
	// EventCancelled is emitted when either side cancels.
	EventCancelled EventType = "transfer-cancelled"
)

// Error kinds surfaced on EventError, matching the engine's failure taxonomy.
const (
	ErrorKindProtocol       = "protocol"
	ErrorKindAuthentication = "authentication"
	ErrorKindCrypto         = "crypto"
	ErrorKindIO             = "io"
	ErrorKindNetwork        = "network"
)

// Event carries one transfer lifecycle update for UI/discovery consumers.
type Event struct {
	Type      EventType
	SessionID string
	Direction Direction

	PeerDeviceID   string
	PeerDeviceName string
	PeerAddress    string

	Files            []models.FileEntry
	TotalBytes       int64
	TransferredBytes int64
	Percent          int
	BytesPerSecond   float64

	// Duration is set on EventCompleted.
	Duration time.Duration

	// ErrorKind and Message are set on EventError; Message alone may
	// accompany EventCancelled. Partial files from a failed or cancelled
	// receive are left on disk.
	ErrorKind string
	Message   string
}
