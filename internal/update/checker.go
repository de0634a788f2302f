package update

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/chaz8081/glasslink/internal/download"
)

// Asset is an updatable asset class.
type Asset string

const (
	Firmware      Asset = "firmware"
	Configuration Asset = "configuration"
)

func (a Asset) collection() string {
	if a == Firmware {
		return "firmwares"
	}
	return "configurations"
}

// Installed returns the installed version string for a from the device
// information: firmware from the firmware revision, configuration from the
// software revision.
func (a Asset) Installed(d Device) string {
	info := d.Info()
	if a == Firmware {
		return info.FirmwareRevision
	}
	return info.SoftwareRevision
}

// Catalog is the remote catalog document.
type Catalog struct {
	Latest struct {
		Version string `json:"version"`
		APIPath string `json:"api_path"`
	} `json:"latest"`
}

// Result is the outcome of a version check.
type Result struct {
	Asset       Asset
	Installed   Version
	Latest      Version
	NeedsUpdate bool
	URL         string // download locator, set when NeedsUpdate

	// The catalog selectors the result was resolved against.
	Hardware      string
	Channel       string
	Compatibility int
}

// CacheKey identifies the latest artifact in the download cache.
func (r Result) CacheKey() download.Key {
	return download.Key{
		Asset:         string(r.Asset),
		Hardware:      r.Hardware,
		Channel:       r.Channel,
		Compatibility: r.Compatibility,
		Version:       r.Latest.String(),
	}
}

// CheckerOptions configures a Checker.
type CheckerOptions struct {
	BaseURL       string
	APIVersion    string
	Token         string // release channel token
	Compatibility int
	Timeout       time.Duration

	// Reachable reports network availability. Nil means always reachable.
	Reachable func(ctx context.Context) bool

	Logger *slog.Logger
}

// Checker decides whether the device's firmware or configuration is out of
// date.
type Checker struct {
	opts   CheckerOptions
	client *download.Client
	log    *slog.Logger
}

// NewChecker creates a Checker querying the catalog through client.
func NewChecker(client *download.Client, opts CheckerOptions) *Checker {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.APIVersion == "" {
		opts.APIVersion = "v1"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Checker{opts: opts, client: client, log: log}
}

// Check compares the installed version of asset against the catalog.
// Preconditions are checked before any I/O: a disconnected device yields
// ErrDeviceNotConnected and an unreachable network ErrNetworkUnavailable.
func (c *Checker) Check(ctx context.Context, dev Device, asset Asset) (Result, error) {
	if dev == nil || !dev.Connected() {
		return Result{}, fmt.Errorf("update: check %s: %w", asset, ErrDeviceNotConnected)
	}
	if c.opts.Reachable != nil && !c.opts.Reachable(ctx) {
		return Result{}, fmt.Errorf("update: check %s: %w", asset, ErrNetworkUnavailable)
	}

	raw := asset.Installed(dev)
	installed, err := ParseVersion(raw)
	if err != nil {
		return Result{}, fmt.Errorf("update: installed %s version: %w", asset, err)
	}
	hw := dev.Info().HardwareRevision

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	catalogURL := c.url(asset, hw, "", "min-version", installed)
	var cat Catalog
	if err := c.client.JSON(ctx, catalogURL, &cat); err != nil {
		return Result{}, fmt.Errorf("update: query %s catalog: %w", asset, err)
	}
	latest, err := ParseVersion(cat.Latest.Version)
	if err != nil {
		return Result{}, fmt.Errorf("update: %s catalog: %w", asset, &download.Error{
			Kind: download.DecodeError, URL: catalogURL, Err: err,
		})
	}

	res := Result{
		Asset:         asset,
		Installed:     installed,
		Latest:        latest,
		Hardware:      hw,
		Channel:       c.opts.Token,
		Compatibility: c.opts.Compatibility,
	}
	if installed.Less(latest) {
		res.NeedsUpdate = true
		res.URL = c.url(asset, hw, cat.Latest.APIPath, "max-version", latest)
	}
	c.log.Info("[UPDATE] version check", "asset", asset, "installed", installed, "latest", latest, "needs_update", res.NeedsUpdate)
	return res, nil
}

// url builds {base}/{api}/{collection}/{hw}/{token}[/{path}]?compatibility=N&{bound}={version}.
// An absolute path is used as is.
func (c *Checker) url(asset Asset, hw, path, bound string, v Version) string {
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	segs := []string{
		strings.TrimRight(c.opts.BaseURL, "/"),
		url.PathEscape(c.opts.APIVersion),
		asset.collection(),
		url.PathEscape(hw),
		url.PathEscape(c.opts.Token),
	}
	if p := strings.Trim(path, "/"); p != "" {
		segs = append(segs, p)
	}
	q := url.Values{}
	q.Set("compatibility", fmt.Sprint(c.opts.Compatibility))
	q.Set(bound, v.String())
	return strings.Join(segs, "/") + "?" + q.Encode()
}

// DialCheck returns a reachability check that opens a TCP connection to
// hostport.
func DialCheck(hostport string, timeout time.Duration) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", hostport)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}
