package network

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"lanbeam/models"
)

// Direction tells whether the local endpoint sends or receives.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Status is a transfer session's lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusWaiting      Status = "waiting"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether a status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func canTransition(from, to Status) bool {
	switch {
	case from.IsTerminal():
		return false
	case to == StatusCancelled:
		return true
	case from == StatusPending && to == StatusWaiting:
		return true
	case from == StatusWaiting && to == StatusTransferring:
		return true
	case from == StatusTransferring && (to == StatusCompleted || to == StatusFailed):
		return true
	case from == StatusWaiting && to == StatusFailed:
		return true
	default:
		return false
	}
}

// openFile is the receiver's single in-flight write handle.
type openFile struct {
	file     *os.File
	entry    models.FileEntry
	received int64
}

// TransferSession tracks one logical transfer on the local endpoint.
type TransferSession struct {
	mu sync.Mutex

	// ID is the local registry id. WireID is the shared id both endpoints
	// agree on at handshake (the receiver's id, carried in its request);
	// every packet on the wire is addressed with WireID.
	ID     string
	WireID string

	Direction   Direction
	PairingCode string
	PeerAddress string

	PeerDeviceID   string
	PeerDeviceName string

	Files     []models.FileEntry
	TotalSize int64
	StartTime time.Time

	// SavePath is set for receive sessions, FilePaths for send sessions.
	SavePath  string
	FilePaths []string

	status      Status
	transferred int64
	key         []byte
	conn        net.Conn

	// sendMu serializes whole outbound frames. Cancel runs on the
	// caller's goroutine and must not interleave its packet with the
	// streaming or ack writes.
	sendMu sync.Mutex

	// sources aligns with Files on send sessions: the absolute local path
	// behind each non-directory entry ("" for directories).
	sources []string

	// receive-side reconstruction state
	current   *openFile
	processed int

	acks chan string
}

// Status returns the current lifecycle state.
func (s *TransferSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus applies a state transition, rejecting invalid ones.
func (s *TransferSession) SetStatus(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.status, to) {
		return fmt.Errorf("network: invalid transition %s -> %s for session %s", s.status, to, s.ID)
	}
	s.status = to
	return nil
}

// SetKey installs the session's encryption key. The key is immutable once
// derived; a second call is a no-op.
func (s *TransferSession) SetKey(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return
	}
	s.key = append([]byte(nil), key...)
}

// Key returns the session's encryption key, or nil before derivation.
func (s *TransferSession) Key() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// discardKey zeroes and drops the key. Called exactly when the session
// reaches a terminal state.
func (s *TransferSession) discardKey() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
}

// AddTransferred adds n transferred bytes and returns the new total.
func (s *TransferSession) AddTransferred(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferred += n
	return s.transferred
}

// Transferred returns cumulative transferred bytes.
func (s *TransferSession) Transferred() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred
}

func (s *TransferSession) setConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *TransferSession) connection() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *TransferSession) setCurrentFile(f *openFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f != nil && s.current != nil {
		return fmt.Errorf("network: file %q still open while starting %q", s.current.entry.RelativePath, f.entry.RelativePath)
	}
	s.current = f
	return nil
}

func (s *TransferSession) currentFile() *openFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// closeCurrentFile closes any open write handle without deleting partial
// data. Partial files are deliberately left on disk.
func (s *TransferSession) closeCurrentFile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		_ = s.current.file.Close()
		s.current = nil
	}
}

func (s *TransferSession) markProcessed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	return s.processed
}

// sessionRegistry is the in-memory table of active sessions. All mutation
// funnels through its methods under one mutex.
type sessionRegistry struct {
	mu       sync.RWMutex
	byID     map[string]*TransferSession
	byWireID map[string]*TransferSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		byID:     make(map[string]*TransferSession),
		byWireID: make(map[string]*TransferSession),
	}
}

func (r *sessionRegistry) add(session *TransferSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[session.ID] = session
	if session.WireID != "" {
		r.byWireID[session.WireID] = session
	}
}

func (r *sessionRegistry) get(id string) *TransferSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

func (r *sessionRegistry) getByWireID(wireID string) *TransferSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byWireID[wireID]
}

// bindWireID records the shared wire id agreed during the handshake.
func (r *sessionRegistry) bindWireID(session *TransferSession, wireID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session.WireID = wireID
	r.byWireID[wireID] = session
}

// findWaitingByCode returns the waiting session whose pairing code matches.
func (r *sessionRegistry) findWaitingByCode(code string) *TransferSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, session := range r.byID {
		if session.PairingCode == code && session.Status() == StatusWaiting {
			return session
		}
	}
	return nil
}

// remove drops a session and discards its key. It reports whether the
// session was present, so terminal handling stays idempotent.
func (r *sessionRegistry) remove(id string) bool {
	r.mu.Lock()
	session, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		if session.WireID != "" {
			delete(r.byWireID, session.WireID)
		}
	}
	r.mu.Unlock()

	if ok {
		session.discardKey()
	}
	return ok
}

func (r *sessionRegistry) all() []*TransferSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*TransferSession, 0, len(r.byID))
	for _, session := range r.byID {
		sessions = append(sessions, session)
	}
	return sessions
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
