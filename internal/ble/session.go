package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/glasslink/internal/ble/protocol"
)

// SessionOptions configures the command session.
type SessionOptions struct {
	Name         string        // display name; defaults to the model number
	MTU          int           // write payload bound until the link reports one (default 20)
	QueryTimeout time.Duration // per-query response deadline (default 5s)
	Logger       *slog.Logger

	// OnDisconnect is called once when the link drops. expected is true when
	// the drop was announced with ExpectDisconnect.
	OnDisconnect func(expected bool)
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		MTU:          DefaultMTU,
		QueryTimeout: 5 * time.Second,
	}
}

// Identity names the connected device.
type Identity struct {
	Name         string
	ID           string
	Manufacturer string
}

// Continuation receives the payload of a command's response, or the error
// that ended the query. It is invoked exactly once.
type Continuation func(payload []byte, err error)

type pendingQuery struct {
	cmd   byte
	cont  Continuation
	timer *time.Timer
}

// numQueryIDs is the size of the query id space (0-254).
const numQueryIDs = 255

// Session is the command/response engine for one connected device. It
// frames commands, correlates responses by query id, reassembles
// multi-notification responses and drains the transmission queue one write
// at a time while the device's flow control allows it.
type Session struct {
	link     *Link
	identity Identity
	opts     SessionOptions
	log      *slog.Logger
	queue    *TxQueue

	mu           sync.Mutex
	nextQID      byte
	pending      map[byte]*pendingQuery
	reasm        protocol.Reassembler
	flowOn       bool
	writeBusy    bool
	owner        string
	closed       bool
	closeErr     error
	expectDrop   bool
	drainWaiters []chan struct{}

	restoreDispatcher func()
	kick              chan struct{}
	done              chan struct{}
	stopped           chan struct{}
}

// NewSession attaches a command session to an initialized link. The session
// becomes the link's notification dispatcher and registers for the
// connection's disconnect callback.
func NewSession(link *Link, opts SessionOptions) *Session {
	def := DefaultSessionOptions()
	if opts.MTU <= 0 {
		opts.MTU = def.MTU
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = def.QueryTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	info := link.Info()
	name := opts.Name
	if name == "" {
		name = info.Model
	}

	mtu := payloadMTU(link, opts.MTU)

	s := &Session{
		link: link,
		identity: Identity{
			Name:         name,
			ID:           link.Connection().ID(),
			Manufacturer: info.Manufacturer,
		},
		opts:    opts,
		log:     log,
		queue:   NewTxQueue(mtu),
		pending: make(map[byte]*pendingQuery),
		flowOn:  true,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	s.restoreDispatcher = link.SetDispatcher(s)
	link.Connection().OnDisconnect(s.handleDisconnect)
	go s.drainLoop()

	log.Info("[BLE] session started", "device", s.identity.ID, "name", name, "mtu", mtu)
	return s
}

// Identity returns the connected device's identity.
func (s *Session) Identity() Identity { return s.identity }

// Link returns the session's link.
func (s *Session) Link() *Link { return s.link }

// Connection returns the underlying transport connection.
func (s *Session) Connection() Connection { return s.link.Connection() }

// Token returns the persisted reconnection token for this device.
func (s *Session) Token() Token {
	return Token{
		ID:             s.identity.ID,
		Name:           s.identity.Name,
		ManufacturerID: s.identity.Manufacturer,
	}
}

// Disconnected is closed when the session ends, either by Close or by the
// link dropping.
func (s *Session) Disconnected() <-chan struct{} { return s.done }

// Connected reports whether the session is still usable.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Send frames a command and queues it for transmission. If cont is non-nil
// it is registered under the allocated query id and invoked exactly once
// with the response payload, ErrQueryTimeout, or the error that tore the
// session down. Query ids still awaiting a response are never reused.
func (s *Session) Send(cmd byte, payload []byte, cont Continuation) (byte, error) {
	qid, _, err := s.send(cmd, payload, cont)
	return qid, err
}

func (s *Session) send(cmd byte, payload []byte, cont Continuation) (byte, *pendingQuery, error) {
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return 0, nil, err
	}
	qid, err := s.allocateQID()
	if err != nil {
		s.mu.Unlock()
		return 0, nil, err
	}
	frame, err := protocol.EncodeFrame(cmd, qid, payload)
	if err != nil {
		s.mu.Unlock()
		return 0, nil, fmt.Errorf("ble: send command 0x%02X: %w", cmd, err)
	}

	var p *pendingQuery
	if cont != nil {
		p = &pendingQuery{cmd: cmd, cont: cont}
		s.pending[qid] = p
		p.timer = time.AfterFunc(s.opts.QueryTimeout, func() { s.expire(qid, p) })
	}
	s.mu.Unlock()

	s.log.Debug("[BLE] send", "cmd", fmt.Sprintf("0x%02X", cmd), "qid", qid, "len", len(frame))
	if s.queue.Enqueue(frame) {
		s.trigger()
	}
	return qid, p, nil
}

// allocateQID returns the next query id not awaiting a response. Caller
// must hold mu.
func (s *Session) allocateQID() (byte, error) {
	for range numQueryIDs {
		qid := s.nextQID
		s.nextQID = byte((int(s.nextQID) + 1) % numQueryIDs)
		if _, busy := s.pending[qid]; !busy {
			return qid, nil
		}
	}
	return 0, ErrQueryTableFull
}

// Query sends a command and blocks until its response arrives, the query
// times out or ctx is cancelled.
func (s *Session) Query(ctx context.Context, cmd byte, payload []byte) ([]byte, error) {
	type result struct {
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	qid, p, err := s.send(cmd, payload, func(payload []byte, err error) {
		ch <- result{payload, err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.payload, r.err
	case <-ctx.Done():
		s.cancel(qid, p)
		return nil, ctx.Err()
	}
}

// Battery queries the device's battery level over the command channel.
func (s *Session) Battery(ctx context.Context) (int, error) {
	payload, err := s.Query(ctx, protocol.CmdBattery, nil)
	if err != nil {
		return 0, fmt.Errorf("ble: battery query: %w", err)
	}
	return parseBatteryLevel(payload)
}

// EnqueueRaw queues pre-framed bytes for transmission.
func (s *Session) EnqueueRaw(data []byte) error {
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	if s.queue.Enqueue(data) {
		s.trigger()
	}
	return nil
}

// Flush blocks until the transmission queue is empty and no write is in
// flight.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	if s.queue.Len() == 0 && !s.writeBusy {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.drainWaiters = append(s.drainWaiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return s.closeErr
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire grants owner exclusive use of the device. While the lease is held
// the transmission queue does not drain and command-service notifications
// are dropped. The returned release func restores normal operation and is
// safe to call more than once.
func (s *Session) Acquire(owner string) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.closeErr
	}
	if s.owner != "" {
		return nil, fmt.Errorf("%w: held by %s", ErrProtocolBusy, s.owner)
	}
	s.owner = owner
	s.reasm.Reset()
	s.log.Debug("[BLE] protocol acquired", "owner", owner)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.owner == owner {
				s.owner = ""
			}
			s.mu.Unlock()
			s.log.Debug("[BLE] protocol released", "owner", owner)
			s.trigger()
		})
	}, nil
}

// ExpectDisconnect marks the next link drop as intentional, e.g. the reboot
// that follows a firmware update.
func (s *Session) ExpectDisconnect() {
	s.mu.Lock()
	s.expectDrop = true
	s.mu.Unlock()
}

// HandleNotification feeds a TX notification into reassembly and dispatches
// completed frames to their continuation. Malformed frames are dropped.
func (s *Session) HandleNotification(data []byte) {
	s.mu.Lock()
	if s.closed || s.owner != "" {
		s.mu.Unlock()
		return
	}
	raw, err := s.reasm.Push(data)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("[BLE] dropping malformed notification", "error", err)
		return
	}
	if raw == nil {
		s.mu.Unlock()
		return
	}
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("[BLE] dropping malformed frame", "error", err)
		return
	}
	if !frame.HasQueryID {
		s.mu.Unlock()
		s.log.Debug("[BLE] unsolicited frame", "cmd", fmt.Sprintf("0x%02X", frame.Command))
		return
	}
	p, ok := s.pending[frame.QueryID]
	if ok {
		delete(s.pending, frame.QueryID)
		p.timer.Stop()
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug("[BLE] response without pending query", "qid", frame.QueryID)
		return
	}
	p.cont(frame.Payload, nil)
}

// HandleFlowControl applies a flow-control notification.
func (s *Session) HandleFlowControl(data []byte) {
	if len(data) == 0 {
		return
	}
	switch data[0] {
	case protocol.FlowOn:
		s.mu.Lock()
		wasOff := !s.flowOn
		s.flowOn = true
		s.mu.Unlock()
		if wasOff {
			s.log.Debug("[BLE] flow on")
			s.trigger()
		}
	case protocol.FlowOff:
		s.mu.Lock()
		s.flowOn = false
		s.mu.Unlock()
		s.log.Debug("[BLE] flow off")
	case protocol.FlowError, protocol.FlowOverflow, protocol.FlowMissing:
		s.log.Warn("[BLE] device reported flow error", "code", fmt.Sprintf("0x%02X", data[0]))
	default:
		s.log.Debug("[BLE] unknown flow control value", "code", fmt.Sprintf("0x%02X", data[0]))
	}
}

// Close stops the session and disconnects the device. Outstanding queries
// fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	s.expectDrop = true
	s.mu.Unlock()
	if !s.shutdown(ErrSessionClosed) {
		return nil
	}
	if n := s.queue.Clear(); n > 0 {
		s.log.Warn("[BLE] closing with unsent commands", "count", n)
	}
	if err := s.link.Connection().Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}

func (s *Session) handleDisconnect() {
	s.mu.Lock()
	expected := s.expectDrop
	s.mu.Unlock()
	if !s.shutdown(ErrDeviceNotConnected) {
		return
	}
	s.queue.Clear()
	if expected {
		s.log.Info("[BLE] disconnected", "device", s.identity.ID)
	} else {
		s.log.Warn("[BLE] link lost", "device", s.identity.ID)
	}
	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(expected)
	}
}

// shutdown tears the session down once, failing every pending query with
// reason. It reports whether this call performed the teardown.
func (s *Session) shutdown(reason error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.closeErr = reason
	pending := s.pending
	s.pending = make(map[byte]*pendingQuery)
	waiters := s.drainWaiters
	s.drainWaiters = nil
	s.reasm.Reset()
	s.mu.Unlock()

	close(s.done)
	s.restoreDispatcher()
	for _, w := range waiters {
		close(w)
	}
	for _, p := range pending {
		p.timer.Stop()
		p.cont(nil, reason)
	}
	return true
}

// expire fails a query whose response did not arrive in time. p guards
// against expiring a later query that reused the id.
func (s *Session) expire(qid byte, p *pendingQuery) {
	s.mu.Lock()
	if s.pending[qid] != p {
		s.mu.Unlock()
		return
	}
	delete(s.pending, qid)
	s.mu.Unlock()
	s.log.Warn("[BLE] query timed out", "cmd", fmt.Sprintf("0x%02X", p.cmd), "qid", qid)
	p.cont(nil, ErrQueryTimeout)
}

// cancel removes a query without invoking its continuation.
func (s *Session) cancel(qid byte, p *pendingQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[qid] == p {
		delete(s.pending, qid)
		p.timer.Stop()
	}
}

// trigger wakes the drain loop.
func (s *Session) trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// drainLoop is the queue's single consumer. Each write completes before the
// next fragment is dequeued.
func (s *Session) drainLoop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
		}
		s.refreshMTU()
		for {
			frag, ok := s.nextFragment()
			if !ok {
				break
			}
			err := s.link.RX().Write(frag)
			s.mu.Lock()
			s.writeBusy = false
			s.mu.Unlock()
			if err != nil {
				s.log.Warn("[BLE] write failed", "error", err, "len", len(frag))
			}
		}
	}
}

// payloadMTU is the write payload the link allows: the ATT MTU less the
// 3-byte write header, never below floor.
func payloadMTU(link *Link, floor int) int {
	r, ok := link.RX().(MTUReporter)
	if !ok {
		return floor
	}
	att, err := r.MTU()
	if err != nil || att-3 <= floor {
		return floor
	}
	return att - 3
}

// refreshMTU follows an ATT MTU renegotiated after the session started.
func (s *Session) refreshMTU() {
	mtu := payloadMTU(s.link, s.opts.MTU)
	if mtu != s.queue.MTU() {
		s.queue.SetMTU(mtu)
		s.log.Debug("[BLE] write payload changed", "mtu", mtu)
	}
}

// nextFragment dequeues the next fragment if the queue may drain, marking
// the write channel busy. When the queue is empty, Flush waiters are
// released.
func (s *Session) nextFragment() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.flowOn || s.writeBusy || s.owner != "" {
		return nil, false
	}
	frag, ok := s.queue.Dequeue()
	if !ok {
		for _, w := range s.drainWaiters {
			close(w)
		}
		s.drainWaiters = nil
		return nil, false
	}
	s.writeBusy = true
	return frag, true
}
