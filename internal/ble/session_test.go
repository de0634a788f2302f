package ble

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/glasslink/internal/ble/protocol"
)

// Command ids the tests send besides battery.
const (
	cmdPower   byte = 0x00
	cmdClear   byte = 0x01
	cmdVersion byte = 0x06
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func fastInitOptions() InitOptions {
	return InitOptions{PollInterval: 5 * time.Millisecond, Timeout: 2 * time.Second}
}

func newTestSession(t *testing.T, opts SessionOptions) (*Session, *mockConnection) {
	t.Helper()
	conn := newMockConnection("AA:BB:CC:DD:EE:FF")
	link, err := Initialize(context.Background(), conn, fastInitOptions())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	s := NewSession(link, opts)
	t.Cleanup(func() { _ = s.Close() })
	return s, conn
}

// respondTo makes the mock device answer every complete command frame
// written to RX using reply.
func respondTo(conn *mockConnection, reply func(f protocol.Frame) [][]byte) {
	rx := conn.char(RXCharUUID)
	tx := conn.char(TXCharUUID)
	rx.mu.Lock()
	rx.onWrite = func(data []byte) {
		f, err := protocol.DecodeFrame(data)
		if err != nil {
			return
		}
		for _, n := range reply(f) {
			tx.SimulateNotification(n)
		}
	}
	rx.mu.Unlock()
}

func flush(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}

func TestSessionBatteryFrameScenario(t *testing.T) {
	s, conn := newTestSession(t, SessionOptions{})

	for i := 0; i < 5; i++ {
		if _, err := s.Send(cmdPower, nil, nil); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	qid, err := s.Send(protocol.CmdBattery, nil, nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if qid != 5 {
		t.Fatalf("qid = %d, want 5", qid)
	}
	flush(t, s)

	writes := conn.char(RXCharUUID).written()
	if len(writes) != 6 {
		t.Fatalf("got %d writes, want 6", len(writes))
	}
	want := []byte{0xFF, 0x05, 0x01, 0x06, 0x05, 0xAA}
	if !bytes.Equal(writes[5], want) {
		t.Errorf("battery frame = % X, want % X", writes[5], want)
	}
}

func TestSessionQueryRoundTrip(t *testing.T) {
	s, conn := newTestSession(t, SessionOptions{})
	respondTo(conn, func(f protocol.Frame) [][]byte {
		resp, _ := protocol.EncodeFrame(f.Command, f.QueryID, []byte{0x50})
		return [][]byte{resp}
	})

	level, err := s.Battery(context.Background())
	if err != nil {
		t.Fatalf("Battery() error = %v", err)
	}
	if level != 80 {
		t.Errorf("Battery() = %d, want 80", level)
	}
}

func TestSessionReassemblesFragmentedResponse(t *testing.T) {
	s, conn := newTestSession(t, SessionOptions{})
	payload := bytes.Repeat([]byte("glasses"), 60) // 420 bytes, long-length frame
	respondTo(conn, func(f protocol.Frame) [][]byte {
		resp, _ := protocol.EncodeFrame(f.Command, f.QueryID, payload)
		var parts [][]byte
		for off := 0; off < len(resp); off += 20 {
			parts = append(parts, resp[off:min(off+20, len(resp))])
		}
		return parts
	})

	got, err := s.Query(context.Background(), cmdVersion, nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Query() payload length = %d, want %d", len(got), len(payload))
	}
}

func TestSessionQueryTimeout(t *testing.T) {
	s, _ := newTestSession(t, SessionOptions{QueryTimeout: 20 * time.Millisecond})

	_, err := s.Query(context.Background(), cmdVersion, nil)
	if !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("Query() error = %v, want ErrQueryTimeout", err)
	}

	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("pending = %d after timeout, want 0", n)
	}
}

func TestSessionQueryContextCancel(t *testing.T) {
	s, _ := newTestSession(t, SessionOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Query(ctx, cmdVersion, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Query() error = %v, want context.DeadlineExceeded", err)
	}
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("pending = %d after cancel, want 0", n)
	}
}

func TestSessionQueryIDWraps(t *testing.T) {
	s, _ := newTestSession(t, SessionOptions{})
	s.mu.Lock()
	s.flowOn = false // keep frames queued; only the ids matter
	s.mu.Unlock()

	for want := 0; want < 255; want++ {
		qid, err := s.Send(cmdPower, nil, nil)
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if int(qid) != want {
			t.Fatalf("qid = %d, want %d", qid, want)
		}
	}
	qid, _ := s.Send(cmdPower, nil, nil)
	if qid != 0 {
		t.Errorf("qid after 255 issuances = %d, want 0", qid)
	}
}

func TestSessionSkipsOutstandingQueryIDs(t *testing.T) {
	s, _ := newTestSession(t, SessionOptions{QueryTimeout: time.Minute})
	s.mu.Lock()
	s.flowOn = false
	s.mu.Unlock()

	noop := func([]byte, error) {}
	held, _ := s.Send(cmdVersion, nil, noop)
	if held != 0 {
		t.Fatalf("qid = %d, want 0", held)
	}
	for i := 1; i < 255; i++ {
		s.Send(cmdPower, nil, nil)
	}
	qid, err := s.Send(cmdPower, nil, nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if qid != 1 {
		t.Errorf("qid = %d, want 1 (0 is outstanding)", qid)
	}
}

func TestSessionQueryTableFull(t *testing.T) {
	s, _ := newTestSession(t, SessionOptions{QueryTimeout: time.Minute})
	s.mu.Lock()
	s.flowOn = false
	s.mu.Unlock()

	noop := func([]byte, error) {}
	for i := 0; i < 255; i++ {
		if _, err := s.Send(cmdVersion, nil, noop); err != nil {
			t.Fatalf("Send(#%d) error = %v", i, err)
		}
	}
	if _, err := s.Send(cmdVersion, nil, noop); !errors.Is(err, ErrQueryTableFull) {
		t.Errorf("Send() error = %v, want ErrQueryTableFull", err)
	}
}

func TestSessionSplitsWritesAtMTU(t *testing.T) {
	s, conn := newTestSession(t, SessionOptions{MTU: 20})
	if _, err := s.Send(0x44, make([]byte, 50), nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	flush(t, s)

	var sizes []int
	for _, w := range conn.char(RXCharUUID).written() {
		sizes = append(sizes, len(w))
	}
	want := []int{20, 20, 16}
	if len(sizes) != len(want) {
		t.Fatalf("write sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("write sizes = %v, want %v", sizes, want)
			break
		}
	}
}

func TestSessionUsesLinkMTU(t *testing.T) {
	conn := newMockConnection("dev")
	conn.char(RXCharUUID).mtu = 185
	link, err := Initialize(context.Background(), conn, fastInitOptions())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	s := NewSession(link, SessionOptions{})
	defer s.Close()
	if got := s.queue.MTU(); got != 182 {
		t.Errorf("queue MTU = %d, want 182", got)
	}
}

func TestSessionFollowsMTUChange(t *testing.T) {
	s, conn := newTestSession(t, SessionOptions{MTU: 20})
	rx := conn.char(RXCharUUID)
	rx.mu.Lock()
	rx.mtu = 103
	rx.mu.Unlock()

	if _, err := s.Send(0x44, make([]byte, 144), nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	flush(t, s)

	if got := s.queue.MTU(); got != 100 {
		t.Errorf("queue MTU = %d, want 100", got)
	}
	var sizes []int
	for _, w := range rx.written() {
		sizes = append(sizes, len(w))
	}
	if len(sizes) != 2 || sizes[0] != 100 || sizes[1] != 50 {
		t.Errorf("write sizes = %v, want [100 50]", sizes)
	}
}

func TestSessionFlowControl(t *testing.T) {
	s, conn := newTestSession(t, SessionOptions{})
	flow := conn.char(FlowControlCharUUID)
	rx := conn.char(RXCharUUID)

	flow.SimulateNotification([]byte{protocol.FlowOff})
	s.Send(cmdPower, nil, nil)
	s.Send(cmdClear, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Flush() with flow off error = %v, want deadline exceeded", err)
	}
	if n := len(rx.written()); n != 0 {
		t.Fatalf("%d writes while flow off, want 0", n)
	}

	flow.SimulateNotification([]byte{protocol.FlowOn})
	flush(t, s)
	if n := len(rx.written()); n != 2 {
		t.Errorf("%d writes after flow on, want 2", n)
	}
}

func TestSessionSingleWriteInFlight(t *testing.T) {
	s, conn := newTestSession(t, SessionOptions{})
	rx := conn.char(RXCharUUID)
	gate := make(chan struct{})
	rx.mu.Lock()
	rx.gate = gate
	rx.mu.Unlock()

	for i := 0; i < 3; i++ {
		s.Send(cmdPower, nil, nil)
	}
	waitFor(t, "first write", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.writeBusy
	})
	if n := s.queue.Len(); n != 2 {
		t.Errorf("queue length with one write in flight = %d, want 2", n)
	}

	for i := 0; i < 3; i++ {
		gate <- struct{}{}
	}
	flush(t, s)
	if n := len(rx.written()); n != 3 {
		t.Errorf("%d writes, want 3", n)
	}
}

func TestSessionMalformedNotificationDropped(t *testing.T) {
	s, conn := newTestSession(t, SessionOptions{QueryTimeout: time.Minute})
	tx := conn.char(TXCharUUID)

	var mu sync.Mutex
	var calls int
	var got []byte
	qid, err := s.Send(cmdVersion, nil, func(p []byte, err error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		got = p
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	bad, _ := protocol.EncodeFrame(cmdVersion, qid, []byte{1})
	bad[len(bad)-1] = 0x00 // corrupt footer
	tx.SimulateNotification(bad)
	tx.SimulateNotification([]byte{0x12, 0x34})

	mu.Lock()
	if calls != 0 {
		t.Fatalf("continuation invoked %d times for malformed frames", calls)
	}
	mu.Unlock()

	good, _ := protocol.EncodeFrame(cmdVersion, qid, []byte{7})
	tx.SimulateNotification(good)
	tx.SimulateNotification(good) // duplicate: no pending query left

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("continuation invoked %d times, want 1", calls)
	}
	if !bytes.Equal(got, []byte{7}) {
		t.Errorf("payload = % X, want 07", got)
	}
}

func TestSessionAcquireSuspendsProtocol(t *testing.T) {
	s, conn := newTestSession(t, SessionOptions{})
	rx := conn.char(RXCharUUID)

	release, err := s.Acquire("ota")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := s.Acquire("other"); !errors.Is(err, ErrProtocolBusy) {
		t.Errorf("second Acquire() error = %v, want ErrProtocolBusy", err)
	}

	s.Send(cmdPower, nil, nil)
	time.Sleep(20 * time.Millisecond)
	if n := len(rx.written()); n != 0 {
		t.Fatalf("%d writes while protocol owned, want 0", n)
	}

	release()
	release()
	flush(t, s)
	if n := len(rx.written()); n != 1 {
		t.Errorf("%d writes after release, want 1", n)
	}
	if _, err := s.Acquire("again"); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
}

func TestSessionDisconnectFailsPendingQueries(t *testing.T) {
	var mu sync.Mutex
	var expectedFlags []bool
	s, conn := newTestSession(t, SessionOptions{
		QueryTimeout: time.Minute,
		OnDisconnect: func(expected bool) {
			mu.Lock()
			expectedFlags = append(expectedFlags, expected)
			mu.Unlock()
		},
	})

	errc := make(chan error, 1)
	go func() {
		_, err := s.Query(context.Background(), cmdVersion, nil)
		errc <- err
	}()
	waitFor(t, "pending query", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.pending) == 1
	})

	conn.SimulateDisconnect()
	conn.SimulateDisconnect()

	if err := <-errc; !errors.Is(err, ErrDeviceNotConnected) {
		t.Errorf("Query() error = %v, want ErrDeviceNotConnected", err)
	}
	if s.Connected() {
		t.Error("Connected() = true after disconnect")
	}
	if _, err := s.Send(cmdPower, nil, nil); !errors.Is(err, ErrDeviceNotConnected) {
		t.Errorf("Send() after disconnect error = %v, want ErrDeviceNotConnected", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(expectedFlags) != 1 || expectedFlags[0] {
		t.Errorf("OnDisconnect calls = %v, want [false]", expectedFlags)
	}
}

func TestSessionExpectedDisconnect(t *testing.T) {
	got := make(chan bool, 1)
	s, conn := newTestSession(t, SessionOptions{OnDisconnect: func(expected bool) { got <- expected }})

	s.ExpectDisconnect()
	conn.SimulateDisconnect()
	if expected := <-got; !expected {
		t.Error("OnDisconnect(expected) = false after ExpectDisconnect")
	}
}

func TestSessionDisconnectedChannel(t *testing.T) {
	s, conn := newTestSession(t, SessionOptions{})
	select {
	case <-s.Disconnected():
		t.Fatal("Disconnected() closed while connected")
	default:
	}

	s.ExpectDisconnect()
	conn.SimulateDisconnect()
	select {
	case <-s.Disconnected():
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnected() not closed after the link dropped")
	}
}

func TestSessionClose(t *testing.T) {
	s, conn := newTestSession(t, SessionOptions{QueryTimeout: time.Minute})
	s.mu.Lock()
	s.flowOn = false
	s.mu.Unlock()

	errc := make(chan error, 1)
	s.Send(cmdVersion, nil, func(_ []byte, err error) { errc <- err })

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := <-errc; !errors.Is(err, ErrSessionClosed) {
		t.Errorf("continuation error = %v, want ErrSessionClosed", err)
	}
	if !conn.disconnected {
		t.Error("Close() should disconnect the device")
	}
	if err := s.EnqueueRaw([]byte{1}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("EnqueueRaw() after Close error = %v, want ErrSessionClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestSessionToken(t *testing.T) {
	s, _ := newTestSession(t, SessionOptions{Name: "My Glasses"})
	tok := s.Token()
	want := Token{ID: "AA:BB:CC:DD:EE:FF", Name: "My Glasses", ManufacturerID: "Acme Optics"}
	if tok != want {
		t.Errorf("Token() = %+v, want %+v", tok, want)
	}
}
