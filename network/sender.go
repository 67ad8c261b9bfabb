package network

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lanbeam/crypto"
	"lanbeam/models"
)

// PrepareToSend enumerates the given paths, arms a waiting send session
// under the pairing code, and returns its id. No connection is opened; the
// transfer starts when a receiver presents a matching code.
func (e *Engine) PrepareToSend(paths []string, pairingCode string) (string, error) {
	if e.ctx == nil {
		return "", errors.New("engine is not started")
	}
	if len(paths) == 0 {
		return "", errors.New("at least one path is required")
	}
	if err := crypto.ValidatePairingCode(pairingCode); err != nil {
		return "", err
	}

	entries, sources, totalSize, err := enumeratePaths(paths)
	if err != nil {
		return "", err
	}

	session := &TransferSession{
		ID:          uuid.NewString(),
		Direction:   DirectionSend,
		PairingCode: pairingCode,
		FilePaths:   paths,
		Files:       entries,
		TotalSize:   totalSize,
		status:      StatusWaiting,
		sources:     sources,
		acks:        make(chan string, 16),
	}
	e.sessions.add(session)

	e.log.WithFields(logrus.Fields{
		"session_id":  session.ID,
		"files":       len(entries),
		"total_bytes": totalSize,
	}).Info("share armed, waiting for receiver")

	e.emit(Event{
		Type:       EventWaiting,
		SessionID:  session.ID,
		Direction:  DirectionSend,
		Files:      entries,
		TotalBytes: totalSize,
	})

	return session.ID, nil
}

// enumeratePaths walks the given paths depth-first and builds the transfer
// catalog. Directory entries precede their contents; relative paths use
// forward slashes on the wire. sources aligns with the returned entries and
// holds the absolute local path behind each file.
func enumeratePaths(paths []string) ([]models.FileEntry, []string, int64, error) {
	var entries []models.FileEntry
	var sources []string
	var totalSize int64

	appendFile := func(source, relativePath string, size int64) {
		entries = append(entries, models.FileEntry{
			Name:         filepath.Base(source),
			RelativePath: filepath.ToSlash(relativePath),
			Size:         size,
		})
		sources = append(sources, source)
		totalSize += size
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("stat %q: %w", path, err)
		}

		if !info.IsDir() {
			appendFile(path, info.Name(), info.Size())
			continue
		}

		base := filepath.Base(path)
		err = filepath.WalkDir(path, func(current string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			rel, err := filepath.Rel(path, current)
			if err != nil {
				return err
			}
			relativePath := base
			if rel != "." {
				relativePath = filepath.Join(base, rel)
			}

			if d.IsDir() {
				entries = append(entries, models.FileEntry{
					Name:         d.Name(),
					RelativePath: filepath.ToSlash(relativePath),
					IsDirectory:  true,
				})
				sources = append(sources, "")
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			appendFile(current, relativePath, info.Size())
			return nil
		})
		if err != nil {
			return nil, nil, 0, fmt.Errorf("walk %q: %w", path, err)
		}
	}

	return entries, sources, totalSize, nil
}

// runSend streams the session's catalog after a successful handshake.
func (e *Engine) runSend(session *TransferSession) {
	err := e.streamCatalog(session)
	if e.sessions.get(session.ID) == nil {
		// Session already reached a terminal state (cancelled or failed
		// elsewhere); nothing left to report.
		return
	}
	if err != nil {
		e.failSession(session, classifyError(err), err)
		return
	}

	if transferred := session.Transferred(); transferred != session.TotalSize {
		e.failSession(session, ErrorKindProtocol,
			fmt.Errorf("transferred %d bytes of %d", transferred, session.TotalSize))
		return
	}
	e.completeSession(session)
}

func (e *Engine) streamCatalog(session *TransferSession) error {
	for i, entry := range session.Files {
		if e.ctx.Err() != nil {
			return e.ctx.Err()
		}
		if e.sessions.get(session.ID) == nil {
			return nil
		}

		if err := e.send(session, TypeFileInfo, entry); err != nil {
			return err
		}
		if entry.IsDirectory {
			continue
		}

		if err := e.streamFile(session, entry, session.sources[i]); err != nil {
			return err
		}

		if err := e.send(session, TypeFileEnd, FileEndPayload{RelativePath: entry.RelativePath}); err != nil {
			return err
		}
		if err := e.awaitAck(session, entry.RelativePath); err != nil {
			return err
		}
	}
	return nil
}

// streamFile sends one file as a sequence of base64 chunks, updating the
// session's byte accounting after each. TCP's flow control provides the
// inter-chunk backpressure.
func (e *Engine) streamFile(session *TransferSession, entry models.FileEntry, source string) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer func() {
		_ = file.Close()
	}()

	buf := make([]byte, ChunkSize)
	for {
		if e.sessions.get(session.ID) == nil {
			return nil
		}

		n, err := file.Read(buf)
		if n > 0 {
			payload := FileDataPayload{Chunk: base64.StdEncoding.EncodeToString(buf[:n])}
			if sendErr := e.send(session, TypeFileData, payload); sendErr != nil {
				return sendErr
			}
			session.AddTransferred(int64(n))
			e.emitProgress(session)

			e.log.WithFields(logrus.Fields{
				"session_id": session.ID,
				"file":       entry.RelativePath,
				"chunk":      n,
			}).Debug("chunk sent")
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// awaitAck blocks until the receiver acknowledges the named file-end.
func (e *Engine) awaitAck(session *TransferSession, relativePath string) error {
	timer := time.NewTimer(e.options.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case acked := <-session.acks:
			if acked == relativePath {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timed out waiting for ack of %q", relativePath)
		case <-e.ctx.Done():
			return e.ctx.Err()
		}
	}
}
