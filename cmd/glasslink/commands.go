package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/chaz8081/glasslink/internal/ble"
	"github.com/chaz8081/glasslink/internal/config"
	"github.com/chaz8081/glasslink/internal/download"
	"github.com/chaz8081/glasslink/internal/ota"
	"github.com/chaz8081/glasslink/internal/tui"
	"github.com/chaz8081/glasslink/internal/update"
)

// --- Discovery ---

type ScanCmd struct {
	Remember bool `short:"r" help:"Remember the strongest matching device"`
}

func (c *ScanCmd) Run(a *app) error {
	devices, err := ble.ScanForDevices(ble.NewTinygoAdapter(), a.cfg.Device.ScanTimeout)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No glasses found.")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%-20s %-24s %4d dBm\n", d.MAC, d.Name, d.RSSI)
	}
	if !c.Remember {
		return nil
	}
	d, err := selectDevice(devices, a.cfg.Device.NameFilter)
	if err != nil {
		return err
	}
	if err := ble.SaveToken(a.cfg.Device.TokenPath, ble.Token{ID: d.MAC, Name: d.Name}); err != nil {
		return err
	}
	fmt.Printf("Remembered %s (%s)\n", d.Name, d.MAC)
	return nil
}

type ForgetCmd struct{}

func (c *ForgetCmd) Run(a *app) error {
	if err := ble.RemoveToken(a.cfg.Device.TokenPath); err != nil {
		return err
	}
	fmt.Println("Forgot remembered device.")
	return nil
}

type InitConfigCmd struct{}

func (c *InitConfigCmd) Run(a *app) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	fmt.Printf("Config at %s\n", path)
	return nil
}

// --- Device ---

type InfoCmd struct{}

func (c *InfoCmd) Run(a *app) error {
	s, _, err := a.connect(ble.NewTinygoAdapter())
	if err != nil {
		return err
	}
	defer s.Close()
	printDeviceInfo(s)
	return nil
}

type BatteryCmd struct{}

func (c *BatteryCmd) Run(a *app) error {
	s, _, err := a.connect(ble.NewTinygoAdapter())
	if err != nil {
		return err
	}
	defer s.Close()

	level, err := s.Battery(a.ctx)
	if err != nil {
		a.log.Debug("[BLE] battery command failed, reading characteristic", "error", err)
		if level, err = s.Link().BatteryLevel(); err != nil {
			return err
		}
	}
	fmt.Printf("Battery: %d%%\n", level)
	return nil
}

// --- Updates ---

type updateFlags struct {
	Yes          bool `short:"y" help:"Install without asking"`
	NoTUI        bool `name:"no-tui" help:"Print progress lines instead of the interactive view"`
	NoWaitCharge bool `name:"no-wait-charge" help:"Fail instead of waiting when the battery is low"`
}

type UpdateCmd struct {
	updateFlags
	FirmwareOnly bool `name:"firmware-only" help:"Skip the configuration update"`
}

func (c *UpdateCmd) Run(a *app) error {
	var extra []update.Option
	if c.FirmwareOnly {
		extra = append(extra, update.WithoutConfiguration())
	}
	return a.runUpdate(c.updateFlags, extra...)
}

type FlashCmd struct {
	updateFlags
	File    string `arg:"" type:"existingfile" help:"Firmware image"`
	Version string `required:"" help:"Version of the image, used to refuse downgrades"`
}

func (c *FlashCmd) Run(a *app) error {
	image, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	return a.runUpdate(c.updateFlags, update.WithFirmware(c.Version, image), update.WithoutConfiguration())
}

type ApplyConfigCmd struct {
	File string `arg:"" type:"existingfile" help:"Configuration script (one hex command per line)"`
}

func (c *ApplyConfigCmd) Run(a *app) error {
	text, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	cmds, err := update.ParseScript(string(text))
	if err != nil {
		return fmt.Errorf("%s: %w", c.File, err)
	}
	s, _, err := a.connect(ble.NewTinygoAdapter())
	if err != nil {
		return err
	}
	defer s.Close()

	err = update.ApplyScript(a.ctx, update.NewSessionDevice(s), cmds, func(done, total int) {
		fmt.Printf("\rApplied %d/%d", done, total)
	})
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("Applied %d commands.\n", len(cmds))
	return nil
}

func (a *app) runUpdate(flags updateFlags, extra ...update.Option) error {
	adapter := ble.NewTinygoAdapter()
	s, tok, err := a.connect(adapter)
	if err != nil {
		return err
	}
	current := s
	defer func() { current.Close() }()

	cfg := a.cfg.Update
	client := download.NewClient(cfg.DownloadTimeout, a.log)
	checkerOpts := update.CheckerOptions{
		BaseURL:       cfg.BaseURL,
		APIVersion:    cfg.APIVersion,
		Token:         cfg.Token,
		Compatibility: cfg.Compatibility,
		Timeout:       cfg.CheckTimeout,
		Logger:        a.log,
	}
	if cfg.ReachabilityHost != "" {
		checkerOpts.Reachable = update.DialCheck(cfg.ReachabilityHost, cfg.CheckTimeout)
	}
	checker := update.NewChecker(client, checkerOpts)

	reconnect := func(ctx context.Context) (update.Device, error) {
		next, err := ble.Reconnect(ctx, adapter, tok, connectOptions(a.cfg))
		if err != nil {
			return nil, err
		}
		prev := current
		current = next
		prev.Close()
		return update.NewSessionDevice(next), nil
	}

	opts := []update.Option{
		update.WithLogger(a.log),
		update.WithMinBattery(cfg.MinBattery),
		update.WithWaitForCharge(cfg.WaitForCharge && !flags.NoWaitCharge),
		update.WithRebootDelays(cfg.RebootDelay, cfg.LegacyRebootDelay, cfg.LegacyFirmwarePrefix),
		update.WithOTAOptions(
			ota.WithBlockSize(a.cfg.OTA.BlockSize),
			ota.WithStatusTimeout(a.cfg.OTA.StatusTimeout),
		),
	}
	if cache, err := download.NewCache(cfg.CacheDir); err != nil {
		a.log.Warn("[UPDATE] artifact cache disabled", "error", err)
	} else {
		a.log.Debug("[UPDATE] artifact cache", "dir", cache.Dir())
		opts = append(opts, update.WithCache(cache))
	}
	if flags.Yes {
		opts = append(opts, update.WithAutoAuthorize())
	}

	if flags.NoTUI {
		opts = append(opts, update.WithListener(printEvent))
		opts = append(opts, extra...)
		coord := update.NewCoordinator(update.NewSessionDevice(s), checker, client, reconnect, opts...)
		if !flags.Yes {
			// No prompt without the view; only --yes installs.
			coord.Authorize(false)
		}
		err := coord.Run(a.ctx)
		if errors.Is(err, update.ErrUpdateForbidden) {
			return nil
		}
		return err
	}

	events := make(chan update.Event, 64)
	opts = append(opts, update.WithListener(tui.Forward(events)))
	opts = append(opts, extra...)
	coord := update.NewCoordinator(update.NewSessionDevice(s), checker, client, reconnect, opts...)
	err = tui.Run(a.ctx, coord, s.Identity().Name, events, coord.Run)
	if errors.Is(err, update.ErrUpdateForbidden) {
		return nil
	}
	return err
}

func printEvent(ev update.Event) {
	switch ev.State {
	case update.StateFailed:
		fmt.Printf("%s: %v\n", ev.State, ev.Err)
	case update.StateAwaitingAuthorization:
		fmt.Printf("%s: %s -> %s (rerun with --yes to install)\n", ev.State, ev.From, ev.To)
	default:
		if ev.Progress > 0 && ev.Progress < 100 {
			fmt.Printf("%s %d%%\n", ev.State, ev.Progress)
			return
		}
		fmt.Println(ev.State)
	}
}
