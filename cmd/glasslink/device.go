package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/glasslink/internal/ble"
	"github.com/chaz8081/glasslink/internal/config"
)

var errNoDevice = errors.New("no glasses found")

// connectOptions maps the config onto the BLE connect options.
func connectOptions(cfg *config.Config) ble.ConnectOptions {
	opts := ble.DefaultConnectOptions()
	opts.MaxBackoff = cfg.Device.MaxBackoff
	opts.MaxAttempts = cfg.Device.ReconnectAttempts
	opts.Init.PollInterval = cfg.Link.InitPollInterval
	opts.Init.Timeout = cfg.Link.InitTimeout
	opts.Session.MTU = cfg.Link.MTU
	opts.Session.QueryTimeout = cfg.Link.QueryTimeout
	return opts
}

// selectDevice returns the strongest device whose name contains filter.
func selectDevice(devices []ble.Device, filter string) (ble.Device, error) {
	var best ble.Device
	found := false
	for _, d := range devices {
		if filter != "" && !strings.Contains(strings.ToLower(d.Name), strings.ToLower(filter)) {
			continue
		}
		if !found || d.RSSI > best.RSSI {
			best, found = d, true
		}
	}
	if !found {
		return ble.Device{}, errNoDevice
	}
	return best, nil
}

// resolveToken returns the remembered device, scanning for one and
// remembering it when none is saved.
func (a *app) resolveToken(adapter ble.Adapter) (ble.Token, error) {
	tok, ok, err := ble.LoadToken(a.cfg.Device.TokenPath)
	if err != nil {
		return ble.Token{}, err
	}
	if ok {
		return tok, nil
	}

	a.log.Info("[BLE] no remembered device, scanning", "timeout", a.cfg.Device.ScanTimeout)
	devices, err := ble.ScanForDevices(adapter, a.cfg.Device.ScanTimeout)
	if err != nil {
		return ble.Token{}, err
	}
	d, err := selectDevice(devices, a.cfg.Device.NameFilter)
	if err != nil {
		return ble.Token{}, err
	}
	tok = ble.Token{ID: d.MAC, Name: d.Name}
	if err := ble.SaveToken(a.cfg.Device.TokenPath, tok); err != nil {
		a.log.Warn("[BLE] could not remember device", "error", err)
	}
	return tok, nil
}

// connect opens a session to the remembered device.
func (a *app) connect(adapter ble.Adapter) (*ble.Session, ble.Token, error) {
	tok, err := a.resolveToken(adapter)
	if err != nil {
		return nil, ble.Token{}, err
	}
	ctx := a.ctx
	if d := connectTimeout(a.cfg); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(a.ctx, d)
		defer cancel()
	}
	s, err := ble.Reconnect(ctx, adapter, tok, connectOptions(a.cfg))
	if err != nil {
		return nil, tok, err
	}
	if next, changed := refreshToken(tok, s.Token()); changed {
		if err := ble.SaveToken(a.cfg.Device.TokenPath, next); err != nil {
			a.log.Warn("[BLE] could not update remembered device", "error", err)
		}
		tok = next
	}
	return s, tok, nil
}

// refreshToken merges what the session read from the device into the saved
// token. Only the manufacturer tag is taken; the saved name is the one seen
// while scanning and stays as it is.
func refreshToken(saved, fresh ble.Token) (ble.Token, bool) {
	if fresh.ManufacturerID == "" || fresh.ManufacturerID == saved.ManufacturerID {
		return saved, false
	}
	saved.ManufacturerID = fresh.ManufacturerID
	return saved, true
}

// connectTimeout bounds a whole reconnect sequence. Zero means unbounded.
func connectTimeout(cfg *config.Config) time.Duration {
	attempts := cfg.Device.ReconnectAttempts
	if attempts <= 0 {
		return 0
	}
	return time.Duration(attempts) * (cfg.Link.InitTimeout + time.Duration(cfg.Device.MaxBackoff)*time.Second)
}

func printDeviceInfo(s *ble.Session) {
	id := s.Identity()
	info := s.Link().Info()
	fmt.Printf("Name:          %s\n", id.Name)
	fmt.Printf("ID:            %s\n", id.ID)
	fmt.Printf("Manufacturer:  %s\n", info.Manufacturer)
	fmt.Printf("Model:         %s\n", info.Model)
	fmt.Printf("Serial:        %s\n", info.Serial)
	fmt.Printf("Hardware:      %s\n", info.HardwareRevision)
	fmt.Printf("Firmware:      %s\n", info.FirmwareRevision)
	fmt.Printf("Configuration: %s\n", info.SoftwareRevision)
}
