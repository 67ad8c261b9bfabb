package network

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lanbeam/crypto"
	"lanbeam/models"
)

// RequestFiles dials a sender, presents the pairing code, and reconstructs
// the offered tree under savePath. The session id is returned immediately;
// progress and completion arrive as events.
func (e *Engine) RequestFiles(address string, port int, pairingCode, savePath string) (string, error) {
	if e.ctx == nil {
		return "", errors.New("engine is not started")
	}
	if savePath == "" {
		return "", errors.New("save path is required")
	}
	if err := crypto.ValidatePairingCode(pairingCode); err != nil {
		return "", err
	}

	key, err := crypto.DeriveKey(pairingCode)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(savePath, 0o755); err != nil {
		return "", fmt.Errorf("create save path: %w", err)
	}

	peerAddr := net.JoinHostPort(address, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", peerAddr, e.options.DialTimeout)
	if err != nil {
		return "", fmt.Errorf("dial %q: %w", peerAddr, err)
	}

	session := &TransferSession{
		ID:          uuid.NewString(),
		Direction:   DirectionReceive,
		PairingCode: pairingCode,
		PeerAddress: peerAddr,
		SavePath:    savePath,
		StartTime:   time.Now(),
		status:      StatusTransferring,
	}
	session.WireID = session.ID
	session.SetKey(key)
	session.setConn(conn)
	e.sessions.add(session)

	e.log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"remote":     peerAddr,
	}).Info("requesting files")

	e.emit(Event{
		Type:        EventStarted,
		SessionID:   session.ID,
		Direction:   DirectionReceive,
		PeerAddress: peerAddr,
	})

	// The request is the one packet of a connection that is never
	// encrypted: the sender has no key until it reads the code inside.
	request, err := NewPacket(TypeRequest, session.ID, RequestPayload{
		PairingCode: pairingCode,
		DeviceID:    e.options.DeviceID,
		DeviceName:  e.options.DeviceName,
	})
	if err == nil {
		err = writePacket(conn, request, nil)
	}
	if err != nil {
		e.failSession(session, ErrorKindNetwork, err)
		return "", err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.readLoop(conn, session)
	}()

	return session.ID, nil
}

// handleHandshake installs the sender's catalog on a receive session.
func (e *Engine) handleHandshake(session *TransferSession, packet Packet) {
	var handshake HandshakePayload
	if err := DecodePayload(packet, &handshake); err != nil {
		e.failSession(session, ErrorKindProtocol, err)
		return
	}

	session.mu.Lock()
	session.Files = handshake.Files
	session.TotalSize = handshake.TotalSize
	session.PeerDeviceID = handshake.DeviceID
	session.PeerDeviceName = handshake.DeviceName
	session.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"session_id":  session.ID,
		"peer_device": handshake.DeviceID,
		"files":       len(handshake.Files),
		"total_bytes": handshake.TotalSize,
	}).Info("catalog received")

	e.emit(Event{
		Type:           EventConnected,
		SessionID:      session.ID,
		Direction:      DirectionReceive,
		PeerDeviceID:   handshake.DeviceID,
		PeerDeviceName: handshake.DeviceName,
		PeerAddress:    session.PeerAddress,
		Files:          handshake.Files,
		TotalBytes:     handshake.TotalSize,
	})
}

// handleFileInfo pre-creates a directory or opens the next file for
// writing. Files arrive strictly sequentially; a second open stream is a
// protocol violation.
func (e *Engine) handleFileInfo(session *TransferSession, packet Packet) {
	var entry models.FileEntry
	if err := DecodePayload(packet, &entry); err != nil {
		e.failSession(session, ErrorKindProtocol, err)
		return
	}

	target, err := session.resolvePath(entry.RelativePath)
	if err != nil {
		e.failSession(session, ErrorKindProtocol, err)
		return
	}

	if entry.IsDirectory {
		if err := os.MkdirAll(target, 0o755); err != nil {
			e.failSession(session, ErrorKindIO, err)
			return
		}
		session.markProcessed()
		e.checkReceiveCompletion(session)
		return
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		e.failSession(session, ErrorKindIO, err)
		return
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		e.failSession(session, ErrorKindIO, err)
		return
	}
	if err := session.setCurrentFile(&openFile{file: file, entry: entry}); err != nil {
		_ = file.Close()
		e.failSession(session, ErrorKindProtocol, err)
		return
	}
}

// handleFileData appends one decoded chunk to the current file.
func (e *Engine) handleFileData(session *TransferSession, packet Packet) {
	current := session.currentFile()
	if current == nil {
		e.failSession(session, ErrorKindProtocol, errors.New("file-data without an open file"))
		return
	}

	var data FileDataPayload
	if err := DecodePayload(packet, &data); err != nil {
		e.failSession(session, ErrorKindProtocol, err)
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(data.Chunk)
	if err != nil {
		e.failSession(session, ErrorKindProtocol, fmt.Errorf("decode chunk: %w", err))
		return
	}

	if _, err := current.file.Write(chunk); err != nil {
		e.failSession(session, ErrorKindIO, err)
		return
	}
	current.received += int64(len(chunk))

	transferred := session.AddTransferred(int64(len(chunk)))
	if transferred > session.TotalSize {
		e.failSession(session, ErrorKindProtocol,
			fmt.Errorf("received %d bytes, catalog promised %d", transferred, session.TotalSize))
		return
	}
	e.emitProgress(session)
}

// handleFileEnd closes the current file, acknowledges it, and completes the
// session once the catalog is exhausted.
func (e *Engine) handleFileEnd(session *TransferSession, packet Packet) {
	var end FileEndPayload
	if err := DecodePayload(packet, &end); err != nil {
		e.failSession(session, ErrorKindProtocol, err)
		return
	}

	current := session.currentFile()
	if current == nil {
		e.failSession(session, ErrorKindProtocol, errors.New("file-end without an open file"))
		return
	}
	if current.received != current.entry.Size {
		e.failSession(session, ErrorKindProtocol,
			fmt.Errorf("file %q ended at %d bytes, expected %d", current.entry.RelativePath, current.received, current.entry.Size))
		return
	}

	session.closeCurrentFile()
	session.markProcessed()

	e.log.WithFields(logrus.Fields{
		"session_id": session.ID,
		"file":       end.RelativePath,
		"bytes":      current.entry.Size,
	}).Debug("file received")

	if err := e.send(session, TypeAck, AckPayload{RelativePath: end.RelativePath}); err != nil {
		e.failSession(session, ErrorKindNetwork, err)
		return
	}

	e.checkReceiveCompletion(session)
}

// checkReceiveCompletion completes a receive session when every catalog
// entry has been reconstructed and the byte accounting balances.
func (e *Engine) checkReceiveCompletion(session *TransferSession) {
	session.mu.Lock()
	done := len(session.Files) > 0 && session.processed == len(session.Files)
	balanced := session.transferred == session.TotalSize
	session.mu.Unlock()

	if !done {
		return
	}
	if !balanced {
		e.failSession(session, ErrorKindProtocol,
			fmt.Errorf("catalog exhausted at %d of %d bytes", session.Transferred(), session.TotalSize))
		return
	}
	e.completeSession(session)
}

// resolvePath maps a wire-relative path under the session's save path,
// rejecting entries that would escape it.
func (s *TransferSession) resolvePath(relativePath string) (string, error) {
	local := filepath.FromSlash(relativePath)
	if local == "" || !filepath.IsLocal(local) {
		return "", fmt.Errorf("unsafe relative path %q", relativePath)
	}
	return filepath.Join(s.SavePath, local), nil
}
