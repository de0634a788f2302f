package update

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/glasslink/internal/download"
	"github.com/chaz8081/glasslink/internal/ota"
)

// recorder collects coordinator events.
type recorder struct {
	mu     sync.Mutex
	events []Event
	on     map[State]func()
}

func newRecorder() *recorder { return &recorder{on: make(map[State]func())} }

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	first := len(r.events) == 0 || r.events[len(r.events)-1].State != ev.State
	r.events = append(r.events, ev)
	fn := r.on[ev.State]
	r.mu.Unlock()
	if first && fn != nil {
		fn()
	}
}

// states returns the distinct consecutive states seen.
func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		if len(out) == 0 || out[len(out)-1] != ev.State {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// flashRecorder stands in for the OTA transfer. After a successful
// transfer the device drops the link, immediately or after disconnectAfter.
type flashRecorder struct {
	mu              sync.Mutex
	images          [][]byte
	err             error
	disconnectAfter time.Duration
	stayConnected   bool
}

func (f *flashRecorder) flash(ctx context.Context, dev Device, art *ota.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, append([]byte(nil), art.Bytes()...))
	if f.err != nil || f.stayConnected {
		return f.err
	}
	if fd, ok := dev.(*fakeDevice); ok {
		if f.disconnectAfter > 0 {
			time.AfterFunc(f.disconnectAfter, fd.disconnect)
		} else {
			fd.disconnect()
		}
	}
	return nil
}

func (f *flashRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.images)
}

type coordinatorFixture struct {
	cs       *catalogServer
	dev      *fakeDevice
	rebooted *fakeDevice
	rec      *recorder
	flasher  *flashRecorder
	coord    *Coordinator
}

func newCoordinatorFixture(t *testing.T, opts ...Option) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		cs:       newCatalogServer(t, "5.0.0", "1.4.0"),
		dev:      newFakeDevice("4.12.0", "1.3.0"),
		rebooted: newFakeDevice("5.0.0", "1.3.0"),
		rec:      newRecorder(),
		flasher:  &flashRecorder{},
	}
	reconnect := func(ctx context.Context) (Device, error) { return f.rebooted, nil }
	base := []Option{
		WithListener(f.rec.listen),
		WithRebootDelays(0, 0, DefaultLegacyPrefix),
	}
	f.coord = NewCoordinator(f.dev, newTestChecker(f.cs), download.NewClient(time.Second, nil), reconnect, append(base, opts...)...)
	f.coord.flash = f.flasher.flash
	return f
}

func containsInOrder(got, want []State) bool {
	i := 0
	for _, s := range got {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

func TestCoordinatorFullUpdate(t *testing.T) {
	f := newCoordinatorFixture(t, WithAutoAuthorize())

	if err := f.coord.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []State{
		StateCheckingBattery,
		StateCheckingFirmware,
		StateDownloadingFirmware,
		StateUpdatingFirmware,
		StateRebooting,
		StateInitializing,
		StateCheckingConfiguration,
		StateDownloadingConfiguration,
		StateApplyingConfiguration,
		StateUpdated,
	}
	if got := f.rec.states(); !containsInOrder(got, want) {
		t.Errorf("states = %v, want in order %v", got, want)
	}
	last := f.rec.last()
	if last.State != StateUpdated || last.Progress != 100 || last.SessionID != f.coord.ID() {
		t.Errorf("last event = %+v", last)
	}

	if f.flasher.count() != 1 {
		t.Fatalf("flashed %d times, want 1", f.flasher.count())
	}
	wantImage := []byte{0x10, 0x20, 0x30, 0x40, 0x10 ^ 0x20 ^ 0x30 ^ 0x40}
	if !bytes.Equal(f.flasher.images[0], wantImage) {
		t.Errorf("flashed image = %x, want %x", f.flasher.images[0], wantImage)
	}

	// Configuration goes to the reconnected device.
	if n := len(f.dev.commands()); n != 0 {
		t.Errorf("original device received %d commands", n)
	}
	cmds := f.rebooted.commands()
	wantCmds := [][]byte{{0xff, 0x0a, 0x01, 0x00}, {0xff, 0x0b, 0x01, 0x01}}
	if len(cmds) != len(wantCmds) {
		t.Fatalf("commands = %x, want %x", cmds, wantCmds)
	}
	for i := range wantCmds {
		if !bytes.Equal(cmds[i], wantCmds[i]) {
			t.Errorf("command %d = %x, want %x", i, cmds[i], wantCmds[i])
		}
	}
}

func TestCoordinatorUpToDate(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.cs.firmware = "4.12.0"
	f.cs.config = "1.3.0"

	if err := f.coord.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.rec.last().State; got != StateUpToDate {
		t.Errorf("final state = %v, want %v", got, StateUpToDate)
	}
	if f.flasher.count() != 0 {
		t.Error("firmware flashed while up to date")
	}
}

func TestCoordinatorAuthorization(t *testing.T) {
	tests := []struct {
		name    string
		answer  bool
		wantErr error
		flashed int
	}{
		{"approved", true, nil, 1},
		{"denied", false, ErrUpdateForbidden, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCoordinatorFixture(t, WithoutConfiguration())
			f.rec.on[StateAwaitingAuthorization] = func() { f.coord.Authorize(tt.answer) }

			err := f.coord.Run(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if f.flasher.count() != tt.flashed {
				t.Errorf("flashed %d times, want %d", f.flasher.count(), tt.flashed)
			}
			if tt.wantErr != nil && f.rec.last().State != StateFailed {
				t.Errorf("final state = %v, want %v", f.rec.last().State, StateFailed)
			}
		})
	}
}

func TestCoordinatorLowBatteryFails(t *testing.T) {
	f := newCoordinatorFixture(t, WithWaitForCharge(false))
	f.dev.battery = 9

	err := f.coord.Run(context.Background())
	if !errors.Is(err, ErrLowBattery) {
		t.Fatalf("Run() error = %v, want ErrLowBattery", err)
	}
	if reqs := f.cs.requestLog(); len(reqs) != 0 {
		t.Errorf("network used on low battery: %v", reqs)
	}
}

func TestCoordinatorBatteryPauseResume(t *testing.T) {
	f := newCoordinatorFixture(t, WithoutConfiguration())
	f.dev.battery = 5

	pauses := 0
	f.rec.on[StateLowBatteryPaused] = func() {
		pauses++
		go f.dev.setBattery(10)
	}
	// Drop below the threshold again while waiting for authorization.
	f.rec.on[StateAwaitingAuthorization] = func() {
		f.dev.setBattery(9)
		f.coord.Authorize(true)
	}

	if err := f.coord.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if pauses != 2 {
		t.Errorf("paused %d times, want 2", pauses)
	}
	want := []State{
		StateCheckingBattery,
		StateLowBatteryPaused,
		StateCheckingBattery,
		StateCheckingFirmware,
		StateDownloadingFirmware,
		StateAwaitingAuthorization,
		StateLowBatteryPaused,
		StateUpdatingFirmware,
		StateUpdated,
	}
	if got := f.rec.states(); !containsInOrder(got, want) {
		t.Errorf("states = %v, want in order %v", got, want)
	}
	if f.flasher.count() != 1 {
		t.Errorf("flashed %d times, want 1", f.flasher.count())
	}
}

func TestCoordinatorLowBatteryCancelled(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.dev.battery = 3

	ctx, cancel := context.WithCancel(context.Background())
	f.rec.on[StateLowBatteryPaused] = cancel

	err := f.coord.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestCoordinatorAbortDuringDownload(t *testing.T) {
	f := newCoordinatorFixture(t)
	cache, err := download.NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	f.coord.cfg.Cache = cache
	f.cs.block = make(chan struct{})
	defer close(f.cs.block)

	f.rec.on[StateDownloadingFirmware] = func() {
		go func() {
			time.Sleep(20 * time.Millisecond)
			f.coord.Abort()
		}()
	}

	err = f.coord.Run(context.Background())
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Run() error = %v, want ErrAborted", err)
	}

	states := f.rec.states()
	if got := states[len(states)-1]; got != StateAborted {
		t.Errorf("final state = %v, want %v", got, StateAborted)
	}
	if got := states[len(states)-2]; got != StateDownloadingFirmware {
		t.Errorf("state before abort = %v, want %v", got, StateDownloadingFirmware)
	}
	if f.flasher.count() != 0 {
		t.Error("firmware flashed after abort")
	}
	key := download.Key{Asset: string(Firmware), Hardware: "hw-7", Channel: "stable", Compatibility: 2, Version: "5.0.0"}
	if _, ok, _ := cache.Get(key); ok {
		t.Error("aborted download was cached")
	}

	// Abort is final.
	if err := f.coord.Run(context.Background()); !errors.Is(err, ErrAborted) {
		t.Errorf("second Run() error = %v, want ErrAborted", err)
	}
}

func TestCoordinatorUsesCache(t *testing.T) {
	f := newCoordinatorFixture(t, WithAutoAuthorize(), WithoutConfiguration())
	cache, err := download.NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := download.Key{Asset: string(Firmware), Hardware: "hw-7", Channel: "stable", Compatibility: 2, Version: "5.0.0"}
	if err := cache.Put(key, []byte{0xaa, 0xbb}); err != nil {
		t.Fatal(err)
	}
	f.coord.cfg.Cache = cache

	if err := f.coord.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(f.flasher.images[0], []byte{0xaa, 0xbb, 0xaa ^ 0xbb}) {
		t.Errorf("flashed image = %x", f.flasher.images[0])
	}
	for _, req := range f.cs.requestLog() {
		if req == "/v1/firmwares/hw-7/stable/fw/5.0.0.bin?compatibility=2&max-version=5.0.0" {
			t.Error("cached firmware downloaded again")
		}
	}
}

func TestCoordinatorCacheSeparatesHardware(t *testing.T) {
	cs := newCatalogServer(t, "5.0.0", "1.4.0")
	cs.images["hw-9"] = []byte{0x09, 0x09}
	cs.images["hw-7"] = []byte{0x07, 0x07}
	cache, err := download.NewCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	flashFor := func(hw string) []byte {
		t.Helper()
		dev := newFakeDevice("4.12.0", "1.3.0")
		dev.info.HardwareRevision = hw
		flasher := &flashRecorder{}
		c := NewCoordinator(dev, newTestChecker(cs), download.NewClient(time.Second, nil), nil,
			WithAutoAuthorize(),
			WithoutConfiguration(),
			WithRebootDelays(0, 0, ""),
			WithCache(cache),
		)
		c.flash = flasher.flash
		if err := c.Run(context.Background()); err != nil {
			t.Fatalf("Run() for %s error = %v", hw, err)
		}
		if flasher.count() != 1 {
			t.Fatalf("%s flashed %d times, want 1", hw, flasher.count())
		}
		return flasher.images[0]
	}

	if got, want := flashFor("hw-7"), []byte{0x07, 0x07, 0x00}; !bytes.Equal(got, want) {
		t.Errorf("hw-7 flashed %x, want %x", got, want)
	}
	if got, want := flashFor("hw-9"), []byte{0x09, 0x09, 0x00}; !bytes.Equal(got, want) {
		t.Errorf("hw-9 flashed %x, want %x", got, want)
	}

	downloads := 0
	for _, req := range cs.requestLog() {
		if strings.Contains(req, "/fw/5.0.0.bin") {
			downloads++
		}
	}
	if downloads != 2 {
		t.Errorf("downloaded firmware %d times, want once per hardware id", downloads)
	}
}

func TestCoordinatorPinnedFirmware(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr error
		flashed int
		final   State
	}{
		{"upgrade", "4.13.0", nil, 1, StateUpdated},
		{"same version", "4.12.0", nil, 0, StateUpToDate},
		{"downgrade", "4.11.9", ErrDowngradeForbidden, 0, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			flasher := &flashRecorder{}
			c := NewCoordinator(newFakeDevice("4.12.0", "1.3.0"), nil, nil, nil,
				WithFirmware(tt.version, []byte{1, 2, 3}),
				WithAutoAuthorize(),
				WithoutConfiguration(),
				WithRebootDelays(0, 0, ""),
				WithListener(rec.listen),
			)
			c.flash = flasher.flash

			err := c.Run(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if flasher.count() != tt.flashed {
				t.Errorf("flashed %d times, want %d", flasher.count(), tt.flashed)
			}
			if got := rec.last().State; got != tt.final {
				t.Errorf("final state = %v, want %v", got, tt.final)
			}
		})
	}
}

func TestCoordinatorFlashFailure(t *testing.T) {
	f := newCoordinatorFixture(t, WithAutoAuthorize())
	f.flasher.err = &ota.Error{Stage: ota.StagePatchData, Detail: "write chunk"}

	err := f.coord.Run(context.Background())
	if !ota.IsStage(err, ota.StagePatchData) {
		t.Fatalf("Run() error = %v, want patch data stage error", err)
	}
	if got := f.rec.last(); got.State != StateFailed || got.Err == nil {
		t.Errorf("last event = %+v", got)
	}
}

func TestCoordinatorBadScript(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.cs.firmware = "4.12.0"
	f.cs.script = "ff0a01\nnot hex\n"

	err := f.coord.Run(context.Background())
	var de *download.Error
	if !errors.As(err, &de) || de.Kind != download.DecodeError {
		t.Fatalf("Run() error = %v, want DecodeError", err)
	}
	if n := len(f.dev.commands()); n != 0 {
		t.Errorf("%d commands applied from a bad script", n)
	}
}

func TestCoordinatorNotConnected(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.dev.connected = false

	if err := f.coord.Run(context.Background()); !errors.Is(err, ErrDeviceNotConnected) {
		t.Fatalf("Run() error = %v, want ErrDeviceNotConnected", err)
	}
}

func TestCoordinatorLegacyRebootDelay(t *testing.T) {
	rec := newRecorder()
	c := NewCoordinator(newFakeDevice("3.2.0", "1.3.0"), nil, nil, nil,
		WithFirmware("3.3.0", []byte{1}),
		WithAutoAuthorize(),
		WithoutConfiguration(),
		WithRebootDelays(0, 100*time.Millisecond, "3."),
		WithListener(rec.listen),
	)
	c.flash = (&flashRecorder{}).flash

	start := time.Now()
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Run() returned after %v, want at least the legacy delay", elapsed)
	}
}

func TestCoordinatorRebootWaitsForDisconnect(t *testing.T) {
	f := newCoordinatorFixture(t, WithAutoAuthorize(), WithoutConfiguration())
	f.flasher.disconnectAfter = 50 * time.Millisecond

	var mu sync.Mutex
	var reconnectedAt time.Time
	f.coord.reconnect = func(ctx context.Context) (Device, error) {
		mu.Lock()
		reconnectedAt = time.Now()
		mu.Unlock()
		return f.rebooted, nil
	}

	if err := f.coord.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	f.dev.mu.Lock()
	disconnectedAt := f.dev.goneAt
	f.dev.mu.Unlock()
	mu.Lock()
	defer mu.Unlock()
	if disconnectedAt.IsZero() || reconnectedAt.IsZero() {
		t.Fatalf("disconnected at %v, reconnected at %v", disconnectedAt, reconnectedAt)
	}
	if reconnectedAt.Before(disconnectedAt) {
		t.Errorf("reconnected %v before the device disconnected", disconnectedAt.Sub(reconnectedAt))
	}
}

func TestCoordinatorRebootDisconnectTimeout(t *testing.T) {
	f := newCoordinatorFixture(t, WithAutoAuthorize(), WithoutConfiguration(), WithDisconnectTimeout(30*time.Millisecond))
	f.flasher.stayConnected = true

	start := time.Now()
	if err := f.coord.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Run() returned after %v, want at least the disconnect timeout", elapsed)
	}
	if got := f.rec.last().State; got != StateUpdated {
		t.Errorf("final state = %v, want %v", got, StateUpdated)
	}
}

func TestCoordinatorRebootWaitCancelled(t *testing.T) {
	f := newCoordinatorFixture(t, WithAutoAuthorize(), WithoutConfiguration())
	f.flasher.stayConnected = true

	ctx, cancel := context.WithCancel(context.Background())
	f.rec.on[StateRebooting] = cancel

	if err := f.coord.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestApplyScriptFlushError(t *testing.T) {
	dev := newFakeDevice("5.0.0", "1.3.0")
	dev.flushErr = errors.New("link lost")

	var progress []int
	err := ApplyScript(context.Background(), dev, [][]byte{{1}, {2}}, func(done, total int) {
		progress = append(progress, done*100/total)
	})
	if err == nil {
		t.Fatal("ApplyScript() succeeded despite flush error")
	}
	if len(progress) != 2 || progress[1] != 100 {
		t.Errorf("progress = %v", progress)
	}
}
