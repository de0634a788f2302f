package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/glasslink/internal/download"
	"github.com/chaz8081/glasslink/internal/ota"
)

// State is a phase of an update session.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateCheckingBattery
	StateLowBatteryPaused
	StateCheckingFirmware
	StateDownloadingFirmware
	StateAwaitingAuthorization
	StateUpdatingFirmware
	StateRebooting
	StateCheckingConfiguration
	StateDownloadingConfiguration
	StateApplyingConfiguration
	StateUpToDate
	StateUpdated
	StateFailed
	StateAborted
)

var stateNames = [...]string{
	StateIdle:                     "idle",
	StateInitializing:             "initializing",
	StateCheckingBattery:          "checking battery",
	StateLowBatteryPaused:         "paused: low battery",
	StateCheckingFirmware:         "checking firmware",
	StateDownloadingFirmware:      "downloading firmware",
	StateAwaitingAuthorization:    "awaiting authorization",
	StateUpdatingFirmware:         "updating firmware",
	StateRebooting:                "rebooting",
	StateCheckingConfiguration:    "checking configuration",
	StateDownloadingConfiguration: "downloading configuration",
	StateApplyingConfiguration:    "applying configuration",
	StateUpToDate:                 "up to date",
	StateUpdated:                  "updated",
	StateFailed:                   "failed",
	StateAborted:                  "aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	return s == StateUpToDate || s == StateUpdated || s == StateFailed || s == StateAborted
}

// Event is a snapshot of the update session published on every change.
type Event struct {
	SessionID string
	State     State
	Progress  int // 0-100 within the current state
	Battery   int // last known level, -1 if unknown
	From, To  string
	Err       error // set for StateFailed and StateAborted
}

// Coordinator sequences a full device update: battery gate, firmware check,
// download, authorization, OTA transfer, reboot, configuration check,
// download and apply.
//
// A Coordinator runs one session at a time. Abort is final.
type Coordinator struct {
	cfg       Config
	log       *slog.Logger
	checker   *Checker
	client    *download.Client
	reconnect Reconnector
	flash     func(ctx context.Context, dev Device, art *ota.Artifact) error
	id        string

	authz     chan bool
	batteryCh chan struct{}

	mu          sync.Mutex
	dev         Device
	state       State
	progress    int
	battery     int
	from, to    string
	running     bool
	aborted     bool
	cancel      context.CancelFunc
	stopBattery func()
}

// NewCoordinator creates a coordinator for dev. checker and client may be
// nil when only a pinned firmware is flashed; reconnect may be nil, in which
// case the configuration phase is skipped after a firmware update.
func NewCoordinator(dev Device, checker *Checker, client *download.Client, reconnect Reconnector, opts ...Option) *Coordinator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	c := &Coordinator{
		cfg:       cfg,
		log:       log.With("session", id),
		checker:   checker,
		client:    client,
		reconnect: reconnect,
		id:        id,
		authz:     make(chan bool, 1),
		batteryCh: make(chan struct{}, 1),
		dev:       dev,
		battery:   -1,
	}
	c.flash = c.flashOTA
	return c
}

// ID returns the update session id.
func (c *Coordinator) ID() string { return c.id }

// Authorize answers the authorization prompt. It may be called before the
// prompt is reached.
func (c *Coordinator) Authorize(ok bool) {
	select {
	case c.authz <- ok:
	default:
	}
}

// Abort stops the session from advancing. An in-flight download is
// cancelled and its result discarded; a write already submitted to the
// device completes but nothing follows it.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	c.aborted = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the update session and returns when it reaches a terminal
// state.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("update: session already running")
	}
	if c.aborted {
		c.mu.Unlock()
		c.finish(StateAborted, ErrAborted)
		return ErrAborted
	}
	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.unwatchBattery()
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	c.log.Info("[UPDATE] session started")
	updated, err := c.run(ctx)
	switch {
	case c.isAborted():
		c.log.Info("[UPDATE] session aborted")
		c.finish(StateAborted, ErrAborted)
		return ErrAborted
	case err != nil:
		c.log.Error("[UPDATE] session failed", "error", err)
		c.finish(StateFailed, err)
		return err
	case updated:
		c.finish(StateUpdated, nil)
	default:
		c.finish(StateUpToDate, nil)
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context) (bool, error) {
	dev := c.device()
	if dev == nil || !dev.Connected() {
		return false, fmt.Errorf("update: %w", ErrDeviceNotConnected)
	}
	c.setState(StateCheckingBattery)
	c.watchBattery(dev)
	if err := c.gate(ctx, StateCheckingBattery); err != nil {
		return false, err
	}

	fwUpdated, err := c.firmwarePhase(ctx)
	if err != nil {
		return false, err
	}
	if c.cfg.SkipConfiguration {
		return fwUpdated, nil
	}
	if fwUpdated && c.reconnect == nil {
		c.log.Warn("[UPDATE] no reconnect available, skipping configuration")
		return true, nil
	}
	cfgUpdated, err := c.configurationPhase(ctx)
	return fwUpdated || cfgUpdated, err
}

func (c *Coordinator) firmwarePhase(ctx context.Context) (bool, error) {
	dev := c.device()
	c.setState(StateCheckingFirmware)
	installedRaw := Firmware.Installed(dev)

	var image []byte
	if p := c.cfg.Firmware; p != nil {
		installed, err := ParseVersion(installedRaw)
		if err != nil {
			return false, fmt.Errorf("update: installed firmware version: %w", err)
		}
		pinned, err := ParseVersion(p.Version)
		if err != nil {
			return false, fmt.Errorf("update: firmware version: %w", err)
		}
		switch pinned.Compare(installed) {
		case -1:
			return false, fmt.Errorf("update: firmware %s is older than installed %s: %w", pinned, installed, ErrDowngradeForbidden)
		case 0:
			c.log.Info("[UPDATE] firmware already installed", "version", installed)
			return false, nil
		}
		c.setVersions(installed, pinned)
		image = p.Image
	} else {
		if c.checker == nil {
			return false, errors.New("update: no update catalog configured")
		}
		res, err := c.checker.Check(ctx, dev, Firmware)
		if err != nil {
			return false, err
		}
		if !res.NeedsUpdate {
			return false, nil
		}
		c.setVersions(res.Installed, res.Latest)
		if err := c.gate(ctx, StateCheckingFirmware); err != nil {
			return false, err
		}
		image, err = c.fetch(ctx, StateDownloadingFirmware, res, func(cl *download.Client, ctx context.Context, url string) ([]byte, error) {
			return cl.Firmware(ctx, url)
		})
		if err != nil {
			return false, err
		}
	}

	art, err := ota.NewArtifact(image)
	if err != nil {
		return false, fmt.Errorf("update: %w", err)
	}
	if err := c.authorize(ctx); err != nil {
		return false, err
	}
	if err := c.gate(ctx, StateUpdatingFirmware); err != nil {
		return false, err
	}
	if c.isAborted() {
		return false, ErrAborted
	}

	c.setState(StateUpdatingFirmware)
	if err := c.flash(ctx, dev, art); err != nil {
		return false, fmt.Errorf("update: firmware transfer: %w", err)
	}

	c.setState(StateRebooting)
	c.unwatchBattery()
	if err := c.awaitDisconnect(ctx, dev); err != nil {
		return false, err
	}
	delay := c.cfg.RebootDelay
	if c.cfg.LegacyPrefix != "" && strings.HasPrefix(installedRaw, c.cfg.LegacyPrefix) {
		delay = c.cfg.LegacyRebootDelay
	}
	c.log.Info("[UPDATE] waiting for reboot", "delay", delay)
	if err := sleep(ctx, delay); err != nil {
		return false, err
	}
	if c.reconnect == nil {
		return true, nil
	}

	c.setState(StateInitializing)
	next, err := c.reconnect(ctx)
	if err != nil {
		return false, fmt.Errorf("update: reconnect after reboot: %w", err)
	}
	c.mu.Lock()
	c.dev = next
	c.mu.Unlock()
	c.watchBattery(next)
	c.log.Info("[UPDATE] reconnected", "firmware", next.Info().FirmwareRevision)
	return true, nil
}

// awaitDisconnect waits for dev to drop the link after the reboot command.
// A device that stays connected past DisconnectTimeout is logged and the
// reboot wait proceeds.
func (c *Coordinator) awaitDisconnect(ctx context.Context, dev Device) error {
	t := time.NewTimer(c.cfg.DisconnectTimeout)
	defer t.Stop()
	select {
	case <-dev.Disconnected():
		c.log.Info("[UPDATE] device disconnected for reboot")
		return nil
	case <-t.C:
		c.log.Warn("[UPDATE] device still connected after reboot command", "timeout", c.cfg.DisconnectTimeout)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flashOTA runs the SUOTA orchestrator against dev.
func (c *Coordinator) flashOTA(ctx context.Context, dev Device, art *ota.Artifact) error {
	opts := make([]ota.Option, 0, len(c.cfg.OTA)+2)
	opts = append(opts, c.cfg.OTA...)
	opts = append(opts,
		ota.WithLogger(c.log),
		ota.WithProgress(func(p ota.Progress) { c.setProgress(p.Percent) }),
	)
	return ota.New(opts...).Run(ctx, dev, art)
}

func (c *Coordinator) configurationPhase(ctx context.Context) (bool, error) {
	dev := c.device()
	c.setState(StateCheckingConfiguration)
	if c.checker == nil {
		return false, errors.New("update: no update catalog configured")
	}
	res, err := c.checker.Check(ctx, dev, Configuration)
	if err != nil {
		return false, err
	}
	if !res.NeedsUpdate {
		return false, nil
	}
	c.setVersions(res.Installed, res.Latest)
	if err := c.gate(ctx, StateCheckingConfiguration); err != nil {
		return false, err
	}
	data, err := c.fetch(ctx, StateDownloadingConfiguration, res, func(cl *download.Client, ctx context.Context, url string) ([]byte, error) {
		text, err := cl.Configuration(ctx, url)
		return []byte(text), err
	})
	if err != nil {
		return false, err
	}
	cmds, err := ParseScript(string(data))
	if err != nil {
		return false, fmt.Errorf("update: configuration script: %w", &download.Error{Kind: download.DecodeError, URL: res.URL, Err: err})
	}
	if err := c.gate(ctx, StateApplyingConfiguration); err != nil {
		return false, err
	}
	if c.isAborted() {
		return false, ErrAborted
	}

	c.setState(StateApplyingConfiguration)
	if err := ApplyScript(ctx, dev, cmds, func(done, total int) {
		c.setProgress(done * 100 / total)
	}); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyScript enqueues each command on the device's transmission queue in
// order and waits until the queue has drained.
func ApplyScript(ctx context.Context, dev Device, cmds [][]byte, progress func(done, total int)) error {
	for i, cmd := range cmds {
		if err := dev.EnqueueRaw(cmd); err != nil {
			return fmt.Errorf("update: apply configuration line %d: %w", i+1, err)
		}
		if progress != nil {
			progress(i+1, len(cmds))
		}
	}
	if err := dev.Flush(ctx); err != nil {
		return fmt.Errorf("update: apply configuration: %w", err)
	}
	return nil
}

type fetchFunc func(cl *download.Client, ctx context.Context, url string) ([]byte, error)

// fetch returns the artifact for res from the cache or the network. A
// result arriving after Abort is discarded.
func (c *Coordinator) fetch(ctx context.Context, state State, res Result, get fetchFunc) ([]byte, error) {
	if c.isAborted() {
		return nil, ErrAborted
	}
	key := res.CacheKey()
	if c.cfg.Cache != nil {
		data, ok, err := c.cfg.Cache.Get(key)
		if err != nil {
			c.log.Warn("[UPDATE] cache read failed", "asset", res.Asset, "error", err)
		}
		if ok {
			c.log.Info("[UPDATE] using cached artifact", "asset", res.Asset, "version", key.Version, "hardware", key.Hardware)
			return data, nil
		}
	}
	if c.client == nil {
		return nil, errors.New("update: no download client configured")
	}

	c.setState(state)
	cl := c.client.WithProgress(func(done, total int64) {
		if total > 0 {
			c.setProgress(int(done * 100 / total))
		}
	})
	data, err := get(cl, ctx, res.URL)
	if c.isAborted() {
		return nil, ErrAborted
	}
	if err != nil {
		return nil, fmt.Errorf("update: download %s: %w", res.Asset, err)
	}
	if c.cfg.Cache != nil {
		if err := c.cfg.Cache.Put(key, data); err != nil {
			c.log.Warn("[UPDATE] cache write failed", "asset", res.Asset, "error", err)
		}
	}
	return data, nil
}

func (c *Coordinator) authorize(ctx context.Context) error {
	if c.cfg.AutoAuthorize {
		return nil
	}
	c.setState(StateAwaitingAuthorization)
	select {
	case ok := <-c.authz:
		if !ok {
			return ErrUpdateForbidden
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gate blocks while the battery is below the threshold and publishes resume
// once charged. Without WaitForCharge, or without battery notifications, it
// fails instead.
func (c *Coordinator) gate(ctx context.Context, resume State) error {
	c.mu.Lock()
	level, watching := c.battery, c.stopBattery != nil
	c.mu.Unlock()
	if level < 0 || level >= c.cfg.MinBattery {
		return nil
	}
	if !c.cfg.WaitForCharge || !watching {
		return fmt.Errorf("update: battery at %d%%, need %d%%: %w", level, c.cfg.MinBattery, ErrLowBattery)
	}

	c.log.Warn("[UPDATE] battery low, waiting for charge", "level", level, "min", c.cfg.MinBattery)
	c.setState(StateLowBatteryPaused)
	for c.batteryLevel() < c.cfg.MinBattery {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.batteryCh:
		}
	}
	c.log.Info("[UPDATE] battery charged, resuming", "level", c.batteryLevel())
	c.setState(resume)
	return nil
}

func (c *Coordinator) watchBattery(dev Device) {
	level, err := dev.BatteryLevel()
	if err != nil {
		c.log.Warn("[UPDATE] battery read failed", "error", err)
		level = -1
	}
	c.mu.Lock()
	c.battery = level
	c.mu.Unlock()

	stop, err := dev.SubscribeBattery(c.onBattery)
	if err != nil {
		c.log.Warn("[UPDATE] battery notifications unavailable", "error", err)
		return
	}
	c.mu.Lock()
	c.stopBattery = stop
	c.mu.Unlock()
}

func (c *Coordinator) unwatchBattery() {
	c.mu.Lock()
	stop := c.stopBattery
	c.stopBattery = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (c *Coordinator) onBattery(level int) {
	c.mu.Lock()
	c.battery = level
	c.mu.Unlock()
	select {
	case c.batteryCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) batteryLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.battery
}

func (c *Coordinator) device() Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev
}

func (c *Coordinator) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *Coordinator) setVersions(from, to Version) {
	c.mu.Lock()
	c.from, c.to = from.String(), to.String()
	c.mu.Unlock()
}

// setState publishes a state change. Nothing but StateAborted is published
// once the session has been aborted.
func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	if c.aborted && s != StateAborted {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.progress = 0
	ev := c.eventLocked(nil)
	c.mu.Unlock()
	c.log.Debug("[UPDATE] state", "state", s)
	c.emit(ev)
}

func (c *Coordinator) setProgress(percent int) {
	c.mu.Lock()
	if c.aborted || percent == c.progress {
		c.mu.Unlock()
		return
	}
	c.progress = max(0, min(percent, 100))
	ev := c.eventLocked(nil)
	c.mu.Unlock()
	c.emit(ev)
}

func (c *Coordinator) finish(s State, err error) {
	c.mu.Lock()
	c.state = s
	if s == StateUpdated || s == StateUpToDate {
		c.progress = 100
	}
	ev := c.eventLocked(err)
	c.mu.Unlock()
	c.emit(ev)
}

func (c *Coordinator) eventLocked(err error) Event {
	return Event{
		SessionID: c.id,
		State:     c.state,
		Progress:  c.progress,
		Battery:   c.battery,
		From:      c.from,
		To:        c.to,
		Err:       err,
	}
}

func (c *Coordinator) emit(ev Event) {
	if c.cfg.Listener != nil {
		c.cfg.Listener(ev)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
