package network

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"lanbeam/models"
	"lanbeam/storage"
)

const testTimeout = 15 * time.Second

func newTestEngine(t *testing.T, name string, store *storage.Store) *Engine {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	engine, err := NewEngine(Options{
		DeviceID:   name + "-id",
		DeviceName: name,
		ListenPort: 0,
		AckTimeout: testTimeout,
		Store:      store,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(engine.Stop)
	return engine
}

// collectUntilTerminal drains an engine's event stream, keeping the events
// for one session until it reaches a terminal state.
func collectUntilTerminal(t *testing.T, events <-chan Event, sessionID string) []Event {
	t.Helper()

	deadline := time.After(testTimeout)
	var collected []Event
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before session %s finished", sessionID)
			}
			if event.SessionID != sessionID {
				continue
			}
			collected = append(collected, event)
			switch event.Type {
			case EventCompleted, EventError, EventCancelled:
				return collected
			}
		case <-deadline:
			t.Fatalf("session %s did not finish; events so far: %+v", sessionID, collected)
		}
	}
}

func buildTestTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "photos")

	big := make([]byte, 200_000)
	for i := range big {
		big[i] = byte(i % 251)
	}

	writeTestFile(t, filepath.Join(root, "a.txt"), []byte("x"))
	writeTestFile(t, filepath.Join(root, "big.bin"), big)
	writeTestFile(t, filepath.Join(root, "empty.txt"), nil)
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	return root
}

func assertTreesEqual(t *testing.T, wantRoot, gotRoot string) {
	t.Helper()

	err := filepath.Walk(wantRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(wantRoot, path)
		if err != nil {
			return err
		}
		got := filepath.Join(gotRoot, rel)

		gotInfo, err := os.Stat(got)
		if err != nil {
			t.Fatalf("missing %q in received tree: %v", rel, err)
		}
		if info.IsDir() != gotInfo.IsDir() {
			t.Fatalf("entry %q kind mismatch", rel)
		}
		if info.IsDir() {
			return nil
		}

		want, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		gotBytes, err := os.ReadFile(got)
		if err != nil {
			return err
		}
		if !bytes.Equal(want, gotBytes) {
			t.Fatalf("file %q content mismatch", rel)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tree comparison failed: %v", err)
	}
}

func TestEndToEndDirectoryTransfer(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	sender := newTestEngine(t, "alice", store)
	receiver := newTestEngine(t, "bob", nil)
	tree := buildTestTree(t)
	saveDir := t.TempDir()

	sendID, err := sender.PrepareToSend([]string{tree}, "482913")
	if err != nil {
		t.Fatalf("PrepareToSend failed: %v", err)
	}
	recvID, err := receiver.RequestFiles("127.0.0.1", sender.Port(), "482913", saveDir)
	if err != nil {
		t.Fatalf("RequestFiles failed: %v", err)
	}

	recvEvents := collectUntilTerminal(t, receiver.Events(), recvID)
	sendEvents := collectUntilTerminal(t, sender.Events(), sendID)

	recvFinal := recvEvents[len(recvEvents)-1]
	if recvFinal.Type != EventCompleted {
		t.Fatalf("receiver finished with %s: %s", recvFinal.Type, recvFinal.Message)
	}
	sendFinal := sendEvents[len(sendEvents)-1]
	if sendFinal.Type != EventCompleted {
		t.Fatalf("sender finished with %s: %s", sendFinal.Type, sendFinal.Message)
	}

	const wantBytes = 200_001
	if recvFinal.TransferredBytes != wantBytes || recvFinal.TotalBytes != wantBytes {
		t.Fatalf("receiver accounting off: %d of %d", recvFinal.TransferredBytes, recvFinal.TotalBytes)
	}
	if sendFinal.TransferredBytes != wantBytes {
		t.Fatalf("sender accounting off: %d", sendFinal.TransferredBytes)
	}

	assertTreesEqual(t, tree, filepath.Join(saveDir, "photos"))

	// Progress must be monotonic and completion must be reported once.
	lastPercent := -1
	completions := 0
	for _, event := range recvEvents {
		switch event.Type {
		case EventProgress:
			if event.Percent < lastPercent {
				t.Fatalf("progress went backwards: %d after %d", event.Percent, lastPercent)
			}
			lastPercent = event.Percent
		case EventCompleted:
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("expected exactly one completion event, got %d", completions)
	}

	if sender.sessions.count() != 0 || receiver.sessions.count() != 0 {
		t.Fatalf("sessions linger after completion")
	}

	records, err := store.ListTransfers(10)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one history row, got %d", len(records))
	}
	if records[0].Status != "completed" || records[0].Direction != "send" || records[0].TransferredBytes != wantBytes {
		t.Fatalf("unexpected history row: %+v", records[0])
	}
}

func TestPairingMismatchRejectsWithoutDetail(t *testing.T) {
	sender := newTestEngine(t, "alice", nil)
	receiver := newTestEngine(t, "bob", nil)
	tree := buildTestTree(t)

	sendID, err := sender.PrepareToSend([]string{tree}, "482913")
	if err != nil {
		t.Fatalf("PrepareToSend failed: %v", err)
	}

	recvID, err := receiver.RequestFiles("127.0.0.1", sender.Port(), "000000", t.TempDir())
	if err != nil {
		t.Fatalf("RequestFiles failed: %v", err)
	}

	recvEvents := collectUntilTerminal(t, receiver.Events(), recvID)
	final := recvEvents[len(recvEvents)-1]
	if final.Type != EventError {
		t.Fatalf("expected transfer-error, got %s", final.Type)
	}
	if final.ErrorKind != ErrorKindAuthentication {
		t.Fatalf("expected authentication error, got %q", final.ErrorKind)
	}

	// The share survives the bad attempt and still serves the right code.
	if sender.sessions.get(sendID) == nil {
		t.Fatalf("waiting share was torn down by a mismatched request")
	}

	saveDir := t.TempDir()
	recvID, err = receiver.RequestFiles("127.0.0.1", sender.Port(), "482913", saveDir)
	if err != nil {
		t.Fatalf("second RequestFiles failed: %v", err)
	}
	recvEvents = collectUntilTerminal(t, receiver.Events(), recvID)
	if final := recvEvents[len(recvEvents)-1]; final.Type != EventCompleted {
		t.Fatalf("expected completion after retry, got %s: %s", final.Type, final.Message)
	}
	assertTreesEqual(t, tree, filepath.Join(saveDir, "photos"))
}

func TestCancelWaitingShareIsIdempotent(t *testing.T) {
	sender := newTestEngine(t, "alice", nil)
	tree := buildTestTree(t)

	sendID, err := sender.PrepareToSend([]string{tree}, "482913")
	if err != nil {
		t.Fatalf("PrepareToSend failed: %v", err)
	}

	if err := sender.Cancel(sendID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	events := collectUntilTerminal(t, sender.Events(), sendID)
	if final := events[len(events)-1]; final.Type != EventCancelled {
		t.Fatalf("expected transfer-cancelled, got %s", final.Type)
	}

	if err := sender.Cancel(sendID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second cancel, got %v", err)
	}
	if sender.sessions.count() != 0 {
		t.Fatalf("cancelled session lingers in registry")
	}
}

func TestCancelUnknownSession(t *testing.T) {
	engine := newTestEngine(t, "alice", nil)
	if err := engine.Cancel("no-such-session"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

// newOfflineEngine builds an engine without starting its listener, for
// driving handleFrame directly.
func newOfflineEngine(t *testing.T) *Engine {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	engine, err := NewEngine(Options{DeviceID: "offline-id", DeviceName: "offline", Logger: logger})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func TestCancelMidTransferKeepsCompletedFiles(t *testing.T) {
	sender := newTestEngine(t, "alice", nil)
	receiver := newTestEngine(t, "bob", nil)

	root := filepath.Join(t.TempDir(), "photos")
	first := bytes.Repeat([]byte{0x11}, 100)
	second := bytes.Repeat([]byte{0x22}, 100)
	big := make([]byte, 8<<20)
	for i := range big {
		big[i] = byte(i % 253)
	}
	writeTestFile(t, filepath.Join(root, "a.bin"), first)
	writeTestFile(t, filepath.Join(root, "b.bin"), second)
	writeTestFile(t, filepath.Join(root, "z.bin"), big)
	saveDir := t.TempDir()

	sendID, err := sender.PrepareToSend([]string{root}, "482913")
	if err != nil {
		t.Fatalf("PrepareToSend failed: %v", err)
	}
	recvID, err := receiver.RequestFiles("127.0.0.1", sender.Port(), "482913", saveDir)
	if err != nil {
		t.Fatalf("RequestFiles failed: %v", err)
	}

	// Cancel once both small files are fully on the wire and the large one
	// is mid-stream.
	deadline := time.After(testTimeout)
	events := sender.Events()
	cancelled := false
	var sendFinal Event
senderLoop:
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("sender event channel closed early")
			}
			if event.SessionID != sendID {
				continue
			}
			if !cancelled && event.Type == EventProgress && event.TransferredBytes >= 200 {
				if err := sender.Cancel(sendID); err != nil {
					t.Fatalf("Cancel failed: %v", err)
				}
				cancelled = true
			}
			switch event.Type {
			case EventCompleted, EventError, EventCancelled:
				sendFinal = event
				break senderLoop
			}
		case <-deadline:
			t.Fatalf("sender did not reach a terminal state")
		}
	}

	if !cancelled {
		t.Fatalf("transfer finished before the cancellation point: %s", sendFinal.Type)
	}
	if sendFinal.Type != EventCancelled {
		t.Fatalf("sender finished with %s: %s", sendFinal.Type, sendFinal.Message)
	}

	recvEvents := collectUntilTerminal(t, receiver.Events(), recvID)
	recvFinal := recvEvents[len(recvEvents)-1]
	if recvFinal.Type != EventCancelled {
		t.Fatalf("receiver finished with %s: %s", recvFinal.Type, recvFinal.Message)
	}

	// Files completed before the cancel stay intact on disk.
	for name, want := range map[string][]byte{"a.bin": first, "b.bin": second} {
		got, err := os.ReadFile(filepath.Join(saveDir, "photos", name))
		if err != nil {
			t.Fatalf("completed file %q lost: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("completed file %q corrupted", name)
		}
	}

	if sender.sessions.count() != 0 || receiver.sessions.count() != 0 {
		t.Fatalf("sessions linger after cancellation")
	}
	if err := sender.Cancel(sendID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second cancel, got %v", err)
	}
}

func TestPacketDirectionEnforcement(t *testing.T) {
	dir := t.TempDir()
	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(origWD); err != nil {
			t.Fatalf("restore wd: %v", err)
		}
	})

	cases := []struct {
		name       string
		packetType string
		payload    any
		direction  Direction
	}{
		{"handshake to sender", TypeHandshake, HandshakePayload{TotalSize: 9}, DirectionSend},
		{"file-info to sender", TypeFileInfo, models.FileEntry{Name: "planted.txt", RelativePath: "planted.txt", Size: 4}, DirectionSend},
		{"file-data to sender", TypeFileData, FileDataPayload{Chunk: "AAAA"}, DirectionSend},
		{"file-end to sender", TypeFileEnd, FileEndPayload{RelativePath: "planted.txt"}, DirectionSend},
		{"ack to receiver", TypeAck, AckPayload{RelativePath: "x"}, DirectionReceive},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := newOfflineEngine(t)
			session := &TransferSession{ID: "s", WireID: "s", Direction: tc.direction, status: StatusTransferring}
			engine.sessions.add(session)

			packet, err := NewPacket(tc.packetType, "s", tc.payload)
			if err != nil {
				t.Fatalf("NewPacket failed: %v", err)
			}
			payload, err := EncodePacket(packet)
			if err != nil {
				t.Fatalf("EncodePacket failed: %v", err)
			}

			if _, err := engine.handleFrame(nil, session, Frame{Payload: payload}); err == nil {
				t.Fatalf("%s must be rejected on a %s session", tc.packetType, tc.direction)
			}
			if engine.sessions.get("s") != nil {
				t.Fatalf("session survived a wrong-direction packet")
			}

			select {
			case event := <-engine.events:
				if event.Type != EventError || event.ErrorKind != ErrorKindProtocol {
					t.Fatalf("expected a protocol transfer-error, got %s/%s", event.Type, event.ErrorKind)
				}
			default:
				t.Fatalf("expected a transfer-error event")
			}

			// A send session must never open a write handle from a
			// catalog packet.
			if tc.packetType == TypeFileInfo {
				if _, err := os.Stat("planted.txt"); !errors.Is(err, fs.ErrNotExist) {
					t.Fatalf("catalog packet opened a write handle on a send session")
				}
			}
		})
	}
}

func TestStaleFramesForRemovedSessionAreNoOps(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	engine, err := NewEngine(Options{DeviceID: "id", DeviceName: "n", Logger: logger})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	session := &TransferSession{ID: "s", WireID: "s", Direction: DirectionReceive, status: StatusTransferring}
	engine.sessions.add(session)
	if !engine.sessions.remove("s") {
		t.Fatalf("remove failed")
	}

	packet, err := NewPacket(TypeFileData, "s", FileDataPayload{Chunk: "AAAA"})
	if err != nil {
		t.Fatalf("NewPacket failed: %v", err)
	}
	payload, err := EncodePacket(packet)
	if err != nil {
		t.Fatalf("EncodePacket failed: %v", err)
	}

	next, err := engine.handleFrame(nil, session, Frame{Payload: payload})
	if err != nil {
		t.Fatalf("stale frame must not error: %v", err)
	}
	if next != nil {
		t.Fatalf("stale frame must not rebind the connection")
	}

	select {
	case event := <-engine.events:
		t.Fatalf("stale frame produced event %s", event.Type)
	default:
	}
}

func TestListenWithFallbackTriesNextPort(t *testing.T) {
	occupied, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	listener, bound, err := listenWithFallback(port)
	if err != nil {
		t.Skipf("fallback port unavailable: %v", err)
	}
	defer listener.Close()

	if bound != port+1 {
		t.Fatalf("expected fallback to port %d, got %d", port+1, bound)
	}
}
