package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lanbeam/crypto"
	"lanbeam/storage"
)

// Options configures the transfer engine.
type Options struct {
	DeviceID   string
	DeviceName string

	// ListenPort is the first port tried; on bind failure the engine falls
	// back to ListenPort+1. Zero picks an ephemeral port.
	ListenPort int

	DialTimeout time.Duration
	AckTimeout  time.Duration

	// Store, when set, records terminal transfer outcomes.
	Store *storage.Store

	Logger *logrus.Logger
}

// Engine multiplexes transfer sessions over one listening socket: it accepts
// inbound connections, reassembles frames, routes packets to per-session
// handlers, and streams outbound transfers.
type Engine struct {
	options Options
	log     *logrus.Logger

	listener net.Listener
	port     int

	sessions *sessionRegistry
	events   chan Event

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEngine creates an engine with validated configuration.
func NewEngine(options Options) (*Engine, error) {
	if options.DeviceID == "" {
		return nil, errors.New("device ID is required")
	}
	if options.DeviceName == "" {
		return nil, errors.New("device name is required")
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.AckTimeout <= 0 {
		options.AckTimeout = DefaultAckTimeout
	}
	if options.Logger == nil {
		options.Logger = logrus.New()
	}

	return &Engine{
		options:  options,
		log:      options.Logger,
		sessions: newSessionRegistry(),
		events:   make(chan Event, 256),
	}, nil
}

// Start binds the listening socket and begins accepting connections.
func (e *Engine) Start() error {
	if e.ctx != nil {
		return nil
	}

	listener, port, err := listenWithFallback(e.options.ListenPort)
	if err != nil {
		return err
	}
	e.listener = listener
	e.port = port

	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.log.WithFields(logrus.Fields{
		"device_id": e.options.DeviceID,
		"port":      port,
	}).Info("transfer engine listening")

	e.wg.Add(1)
	go e.acceptLoop()
	return nil
}

// listenWithFallback binds the requested port, retrying once on port+1.
func listenWithFallback(port int) (net.Listener, int, error) {
	if port == 0 {
		listener, err := net.Listen("tcp", ":0")
		if err != nil {
			return nil, 0, fmt.Errorf("listen: %w", err)
		}
		return listener, listener.Addr().(*net.TCPAddr).Port, nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err == nil {
		return listener, port, nil
	}

	fallback := port + 1
	listener, fallbackErr := net.Listen("tcp", fmt.Sprintf(":%d", fallback))
	if fallbackErr != nil {
		return nil, 0, fmt.Errorf("listen on %d (and fallback %d): %w", port, fallback, err)
	}
	return listener, fallback, nil
}

// Stop cancels every active session, closes every socket, and drains the
// engine's goroutines.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel == nil {
			return
		}
		e.cancel()

		for _, session := range e.sessions.all() {
			e.cancelSession(session, true, "engine shutdown")
		}

		_ = e.listener.Close()
		e.wg.Wait()
		close(e.events)
	})
}

// Addr returns the listening address.
func (e *Engine) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Port returns the bound listening port.
func (e *Engine) Port() int {
	return e.port
}

// Events returns the engine's lifecycle event channel. It is closed by Stop.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Cancel cancels a session from the local side. Unknown ids return
// ErrSessionNotFound; cancelling twice is harmless.
func (e *Engine) Cancel(sessionID string) error {
	session := e.sessions.get(sessionID)
	if session == nil {
		return ErrSessionNotFound
	}
	e.cancelSession(session, true, "cancelled by user")
	return nil
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()

	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if e.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.WithError(err).Warn("accept connection")
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.readLoop(conn, nil)
		}()
	}
}

// readLoop reads a connection's byte stream, reassembles frames, and routes
// packets. An inbound connection starts unbound; its first packet (a
// request) binds it to a session for the rest of its lifetime.
func (e *Engine) readLoop(conn net.Conn, session *TransferSession) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := &FrameDecoder{}
	buf := make([]byte, 32*1024)

	for {
		if e.ctx.Err() != nil {
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			frames, frameErr := decoder.Feed(buf[:n])
			for _, frame := range frames {
				next, handleErr := e.handleFrame(conn, session, frame)
				if handleErr != nil {
					return
				}
				if next != nil {
					session = next
				}
			}
			if frameErr != nil {
				e.failSession(session, ErrorKindProtocol, frameErr)
				return
			}
		}

		if err != nil {
			e.handleReadError(session, err)
			return
		}
	}
}

// handleReadError applies the socket failure policy: a receive session dies
// with its connection; a send session is left to the streaming goroutine,
// whose next write or ack wait surfaces the failure.
func (e *Engine) handleReadError(session *TransferSession, err error) {
	if session == nil {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		if session.Direction == DirectionReceive {
			e.failSession(session, ErrorKindNetwork, errors.New("connection closed by peer"))
		}
		return
	}
	e.failSession(session, ErrorKindNetwork, err)
}

// handleFrame decrypts (when flagged), decodes, and dispatches one frame.
// It returns the session the connection is now bound to, if that changed.
func (e *Engine) handleFrame(conn net.Conn, session *TransferSession, frame Frame) (*TransferSession, error) {
	payload := frame.Payload
	if frame.Encrypted {
		if session == nil || session.Key() == nil {
			e.log.Warn("encrypted frame on unbound connection")
			return nil, errors.New("encrypted frame before handshake")
		}
		plaintext, err := crypto.Decrypt(session.Key(), payload)
		if err != nil {
			e.failSession(session, ErrorKindCrypto, err)
			return nil, err
		}
		payload = plaintext
	}

	packet, err := DecodePacket(payload)
	if err != nil {
		e.failSession(session, ErrorKindProtocol, err)
		return nil, err
	}

	if packet.Type == TypeRequest {
		if session != nil {
			e.failSession(session, ErrorKindProtocol, errors.New("request on bound connection"))
			return nil, errors.New("duplicate request")
		}
		return e.handleRequest(conn, packet)
	}

	// Stale or duplicate packets for removed sessions are no-ops, including
	// late file-data after cancellation on a still-bound connection.
	if session != nil && e.sessions.get(session.ID) == nil {
		return nil, nil
	}
	if session == nil {
		session = e.sessions.getByWireID(packet.SessionID)
		if session == nil {
			return nil, nil
		}
	}

	if err := checkPacketDirection(session.Direction, packet.Type); err != nil {
		e.failSession(session, ErrorKindProtocol, err)
		return nil, err
	}

	switch packet.Type {
	case TypeHandshake:
		e.handleHandshake(session, packet)
	case TypeFileInfo:
		e.handleFileInfo(session, packet)
	case TypeFileData:
		e.handleFileData(session, packet)
	case TypeFileEnd:
		e.handleFileEnd(session, packet)
	case TypeAck:
		e.handleAck(session, packet)
	case TypeCancel:
		e.log.WithField("session_id", session.ID).Info("transfer cancelled by peer")
		e.cancelSession(session, false, "cancelled by peer")
	case TypeError:
		e.handlePeerError(session, packet)
	default:
		e.failSession(session, ErrorKindProtocol, fmt.Errorf("%w: %q", ErrInvalidPacketType, packet.Type))
		return nil, ErrInvalidPacketType
	}

	return session, nil
}

// checkPacketDirection rejects packets only the opposite role may send:
// catalog and data packets flow sender to receiver, acks flow back. A send
// session accepting file-info would open write handles outside any save
// path.
func checkPacketDirection(direction Direction, packetType string) error {
	switch packetType {
	case TypeHandshake, TypeFileInfo, TypeFileData, TypeFileEnd:
		if direction != DirectionReceive {
			return fmt.Errorf("%w: %s packet on a %s session", ErrInvalidPacketType, packetType, direction)
		}
	case TypeAck:
		if direction != DirectionSend {
			return fmt.Errorf("%w: ack packet on a %s session", ErrInvalidPacketType, direction)
		}
	}
	return nil
}

// handleRequest matches an inbound pairing request against waiting send
// sessions. A mismatch yields exactly one generic unencrypted error packet,
// deliberately detail-free, and the connection is dropped.
func (e *Engine) handleRequest(conn net.Conn, packet Packet) (*TransferSession, error) {
	var request RequestPayload
	if err := DecodePayload(packet, &request); err != nil {
		e.rejectRequest(conn, packet.SessionID)
		return nil, err
	}

	session := e.sessions.findWaitingByCode(request.PairingCode)
	if session == nil {
		e.log.WithField("remote", conn.RemoteAddr().String()).Warn("pairing request matched no waiting transfer")
		e.rejectRequest(conn, packet.SessionID)
		return nil, ErrPairingMismatch
	}

	key, err := crypto.DeriveKey(request.PairingCode)
	if err != nil {
		e.rejectRequest(conn, packet.SessionID)
		return nil, err
	}

	session.SetKey(key)
	session.setConn(conn)
	e.sessions.bindWireID(session, packet.SessionID)

	session.mu.Lock()
	session.PeerDeviceID = request.DeviceID
	session.PeerDeviceName = request.DeviceName
	session.PeerAddress = conn.RemoteAddr().String()
	session.StartTime = time.Now()
	session.mu.Unlock()

	if err := session.SetStatus(StatusTransferring); err != nil {
		e.rejectRequest(conn, packet.SessionID)
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"session_id":  session.ID,
		"peer_device": request.DeviceID,
		"remote":      session.PeerAddress,
	}).Info("pairing request matched, starting transfer")

	e.emit(Event{
		Type:           EventConnected,
		SessionID:      session.ID,
		Direction:      DirectionSend,
		PeerDeviceID:   request.DeviceID,
		PeerDeviceName: request.DeviceName,
		PeerAddress:    session.PeerAddress,
		Files:          session.Files,
		TotalBytes:     session.TotalSize,
	})

	handshake := HandshakePayload{
		DeviceID:   e.options.DeviceID,
		DeviceName: e.options.DeviceName,
		Files:      session.Files,
		TotalSize:  session.TotalSize,
	}
	if err := e.send(session, TypeHandshake, handshake); err != nil {
		e.failSession(session, ErrorKindNetwork, err)
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSend(session)
	}()

	return session, nil
}

func (e *Engine) rejectRequest(conn net.Conn, wireID string) {
	packet, err := NewPacket(TypeError, wireID, ErrorPayload{Message: "pairing failed"})
	if err == nil {
		_ = writePacket(conn, packet, nil)
	}
	_ = conn.Close()
}

func (e *Engine) handleAck(session *TransferSession, packet Packet) {
	if session.acks == nil {
		return
	}
	var ack AckPayload
	if err := DecodePayload(packet, &ack); err != nil {
		return
	}
	select {
	case session.acks <- ack.RelativePath:
	default:
	}
}

func (e *Engine) handlePeerError(session *TransferSession, packet Packet) {
	var remote ErrorPayload
	_ = DecodePayload(packet, &remote)
	if remote.Message == "" {
		remote.Message = "peer reported an error"
	}

	// A pre-catalog error on a receive session is the sender's generic
	// pairing rejection.
	kind := ErrorKindNetwork
	if session.Direction == DirectionReceive && len(session.Files) == 0 {
		kind = ErrorKindAuthentication
	}
	e.failSession(session, kind, errors.New(remote.Message))
}

// send encodes, encrypts with the session key, and writes one packet
// addressed with the shared wire id. Frames are written whole under the
// session's send mutex; a session already removed from the registry writes
// nothing more.
func (e *Engine) send(session *TransferSession, packetType string, payload any) error {
	packet, err := NewPacket(packetType, session.WireID, payload)
	if err != nil {
		return err
	}
	conn := session.connection()
	if conn == nil {
		return errors.New("network: session has no connection")
	}

	session.sendMu.Lock()
	defer session.sendMu.Unlock()
	if e.sessions.get(session.ID) == nil {
		return ErrSessionNotFound
	}
	return writePacket(conn, packet, session.Key())
}

// writePacket writes a packet as one frame, sealed when a key is supplied.
func writePacket(conn net.Conn, packet Packet, key []byte) error {
	payload, err := EncodePacket(packet)
	if err != nil {
		return err
	}

	encrypted := false
	if key != nil {
		payload, err = crypto.Encrypt(key, payload)
		if err != nil {
			return err
		}
		encrypted = true
	}

	return WriteFrame(conn, payload, encrypted)
}

// failSession moves a session to failed, removes it, discards its key, and
// emits a transfer-error event. The registry removal is the idempotence
// gate: whichever path reaches a terminal state first wins.
func (e *Engine) failSession(session *TransferSession, kind string, cause error) {
	if session == nil {
		return
	}
	if !e.sessions.remove(session.ID) {
		return
	}

	session.closeCurrentFile()
	_ = session.SetStatus(StatusFailed)
	if conn := session.connection(); conn != nil {
		_ = conn.Close()
	}

	e.log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"direction":  session.Direction,
		"kind":       kind,
	}).WithError(cause).Error("transfer failed")

	e.recordOutcome(session, StatusFailed)
	e.emit(Event{
		Type:             EventError,
		SessionID:        session.ID,
		Direction:        session.Direction,
		PeerDeviceID:     session.PeerDeviceID,
		PeerDeviceName:   session.PeerDeviceName,
		PeerAddress:      session.PeerAddress,
		TotalBytes:       session.TotalSize,
		TransferredBytes: session.Transferred(),
		ErrorKind:        kind,
		Message:          cause.Error(),
	})
}

// cancelSession cancels a session, optionally notifying the peer. Open
// write handles are closed without deleting partially written data.
func (e *Engine) cancelSession(session *TransferSession, notifyPeer bool, reason string) {
	// The registry removal zeroes the session key, so the notification key
	// is copied out first. Losing the removal race means another terminal
	// path won and the copy is discarded unused.
	key := append([]byte(nil), session.Key()...)
	conn := session.connection()

	if !e.sessions.remove(session.ID) {
		return
	}

	session.closeCurrentFile()
	if notifyPeer && len(key) > 0 && conn != nil {
		if packet, err := NewPacket(TypeCancel, session.WireID, nil); err == nil {
			session.sendMu.Lock()
			_ = writePacket(conn, packet, key)
			session.sendMu.Unlock()
		}
	}
	for i := range key {
		key[i] = 0
	}
	_ = session.SetStatus(StatusCancelled)
	if conn := session.connection(); conn != nil {
		_ = conn.Close()
	}

	e.log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"direction":  session.Direction,
	}).Info("transfer cancelled")

	e.recordOutcome(session, StatusCancelled)
	e.emit(Event{
		Type:             EventCancelled,
		SessionID:        session.ID,
		Direction:        session.Direction,
		PeerDeviceID:     session.PeerDeviceID,
		PeerDeviceName:   session.PeerDeviceName,
		PeerAddress:      session.PeerAddress,
		TotalBytes:       session.TotalSize,
		TransferredBytes: session.Transferred(),
		Message:          reason,
	})
}

// completeSession finishes a session whose byte accounting balanced.
func (e *Engine) completeSession(session *TransferSession) {
	if !e.sessions.remove(session.ID) {
		return
	}

	_ = session.SetStatus(StatusCompleted)
	duration := time.Since(session.StartTime)
	if conn := session.connection(); conn != nil {
		_ = conn.Close()
	}

	e.log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"direction":  session.Direction,
		"bytes":      session.Transferred(),
		"duration":   duration.Round(time.Millisecond).String(),
	}).Info("transfer completed")

	e.recordOutcome(session, StatusCompleted)
	e.emit(Event{
		Type:             EventCompleted,
		SessionID:        session.ID,
		Direction:        session.Direction,
		PeerDeviceID:     session.PeerDeviceID,
		PeerDeviceName:   session.PeerDeviceName,
		PeerAddress:      session.PeerAddress,
		Files:            session.Files,
		TotalBytes:       session.TotalSize,
		TransferredBytes: session.Transferred(),
		Percent:          100,
		Duration:         duration,
	})
}

func (e *Engine) emitProgress(session *TransferSession) {
	progress := computeProgress(session.Transferred(), session.TotalSize, session.StartTime)
	e.emit(Event{
		Type:             EventProgress,
		SessionID:        session.ID,
		Direction:        session.Direction,
		TotalBytes:       progress.TotalBytes,
		TransferredBytes: progress.TransferredBytes,
		Percent:          progress.Percent,
		BytesPerSecond:   progress.BytesPerSecond,
	})
}

func (e *Engine) emit(event Event) {
	select {
	case e.events <- event:
	default:
		e.log.WithField("event", string(event.Type)).Warn("event channel full, dropping event")
	}
}

func (e *Engine) recordOutcome(session *TransferSession, status Status) {
	if e.options.Store == nil {
		return
	}

	record := storage.TransferRecord{
		SessionID:        session.ID,
		Direction:        string(session.Direction),
		PeerDeviceID:     session.PeerDeviceID,
		PeerDeviceName:   session.PeerDeviceName,
		PeerAddress:      session.PeerAddress,
		FileCount:        len(session.Files),
		TotalBytes:       session.TotalSize,
		TransferredBytes: session.Transferred(),
		Status:           string(status),
		StartedAt:        session.StartTime.UnixMilli(),
		FinishedAt:       time.Now().UnixMilli(),
	}
	if err := e.options.Store.SaveTransfer(record); err != nil {
		e.log.WithError(err).Warn("record transfer outcome")
	}
}

// classifyError maps an error to the engine's failure taxonomy.
func classifyError(err error) string {
	var pathErr *os.PathError
	switch {
	case errors.As(err, &pathErr):
		return ErrorKindIO
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return ErrorKindCrypto
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrEmptyFrame), errors.Is(err, ErrInvalidPacketType):
		return ErrorKindProtocol
	default:
		return ErrorKindNetwork
	}
}
