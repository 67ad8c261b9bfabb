package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lanbeam/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (64 MiB).
	MaxFrameSize = 64 * 1024 * 1024
	// ChunkSize is the file streaming chunk size.
	ChunkSize = 64 * 1024
	// DefaultDialTimeout bounds outbound TCP dials.
	DefaultDialTimeout = 10 * time.Second
	// DefaultAckTimeout bounds the wait for a file-end acknowledgement.
	DefaultAckTimeout = 30 * time.Second
)

const (
	TypeRequest   = "request"
	TypeHandshake = "handshake"
	TypeFileInfo  = "file-info"
	TypeFileData  = "file-data"
	TypeFileEnd   = "file-end"
	TypeAck       = "ack"
	TypeError     = "error"
	TypeCancel    = "cancel"
)

var (
	// ErrFrameTooLarge indicates a declared frame length above MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrEmptyFrame indicates a declared frame length of zero.
	ErrEmptyFrame = errors.New("network: zero-length frame")
	// ErrInvalidPacketType indicates the packet type is missing or unknown.
	ErrInvalidPacketType = errors.New("network: invalid packet type")
	// ErrPairingMismatch indicates a request code matched no waiting session.
	ErrPairingMismatch = errors.New("network: pairing code does not match any waiting transfer")
	// ErrSessionNotFound indicates the session id is not in the registry.
	ErrSessionNotFound = errors.New("network: session not found")
)

// Packet is the decoded structured record carried inside a frame payload.
type Packet struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RequestPayload opens a transfer: sent unencrypted as the first packet of
// every connection, since the recipient derives the session key from the
// pairing code it carries.
type RequestPayload struct {
	PairingCode string `json:"pairing_code"`
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
}

// HandshakePayload answers a matched request with the full file catalog.
type HandshakePayload struct {
	DeviceID   string             `json:"device_id"`
	DeviceName string             `json:"device_name"`
	Files      []models.FileEntry `json:"files"`
	TotalSize  int64              `json:"total_size"`
}

// FileDataPayload carries one base64-encoded chunk of the current file.
type FileDataPayload struct {
	Chunk string `json:"chunk"`
}

// FileEndPayload closes the current file; AckPayload echoes it back.
type FileEndPayload struct {
	RelativePath string `json:"relative_path"`
}

// AckPayload acknowledges a file-end.
type AckPayload struct {
	RelativePath string `json:"relative_path"`
}

// ErrorPayload carries a human-readable failure message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewPacket builds a packet with a marshaled payload.
func NewPacket(packetType, sessionID string, payload any) (Packet, error) {
	packet := Packet{Type: packetType, SessionID: sessionID}
	if payload == nil {
		return packet, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Packet{}, fmt.Errorf("marshal %s payload: %w", packetType, err)
	}
	packet.Data = data
	return packet, nil
}

// EncodePacket marshals a packet to its frame payload bytes.
func EncodePacket(packet Packet) ([]byte, error) {
	payload, err := json.Marshal(packet)
	if err != nil {
		return nil, fmt.Errorf("marshal packet: %w", err)
	}
	return payload, nil
}

// DecodePacket unmarshals frame payload bytes into a packet.
func DecodePacket(payload []byte) (Packet, error) {
	var packet Packet
	if err := json.Unmarshal(payload, &packet); err != nil {
		return Packet{}, fmt.Errorf("decode packet: %w", err)
	}
	if packet.Type == "" {
		return Packet{}, ErrInvalidPacketType
	}
	return packet, nil
}

// DecodePayload unmarshals a packet's data field into out.
func DecodePayload(packet Packet, out any) error {
	if err := json.Unmarshal(packet.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", packet.Type, err)
	}
	return nil
}
