package storage

import (
	"errors"
	"fmt"
)

// TransferRecord is one terminal transfer outcome in the history ledger.
type TransferRecord struct {
	SessionID        string
	Direction        string
	PeerDeviceID     string
	PeerDeviceName   string
	PeerAddress      string
	FileCount        int
	TotalBytes       int64
	TransferredBytes int64
	Status           string
	StartedAt        int64
	FinishedAt       int64
}

func validateTransferStatus(status string) error {
	switch status {
	case "completed", "failed", "cancelled":
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

// SaveTransfer inserts one terminal transfer row.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.SessionID == "" {
		return errors.New("session_id is required")
	}
	if record.Direction != "send" && record.Direction != "receive" {
		return fmt.Errorf("invalid transfer direction %q", record.Direction)
	}
	if err := validateTransferStatus(record.Status); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			session_id,
			direction,
			peer_device_id,
			peer_device_name,
			peer_address,
			file_count,
			total_bytes,
			transferred_bytes,
			status,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID,
		record.Direction,
		record.PeerDeviceID,
		record.PeerDeviceName,
		record.PeerAddress,
		record.FileCount,
		record.TotalBytes,
		record.TransferredBytes,
		record.Status,
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.SessionID, err)
	}

	return nil
}

// ListTransfers returns history rows, most recently finished first.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT session_id, direction, peer_device_id, peer_device_name, peer_address,
			file_count, total_bytes, transferred_bytes, status, started_at, finished_at
		FROM transfers
		ORDER BY finished_at DESC, session_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []TransferRecord
	for rows.Next() {
		var record TransferRecord
		if err := rows.Scan(
			&record.SessionID,
			&record.Direction,
			&record.PeerDeviceID,
			&record.PeerDeviceName,
			&record.PeerAddress,
			&record.FileCount,
			&record.TotalBytes,
			&record.TransferredBytes,
			&record.Status,
			&record.StartedAt,
			&record.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return records, nil
}
