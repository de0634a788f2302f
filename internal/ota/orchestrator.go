// Package ota implements the SUOTA firmware transfer used by the glasses'
// bootloader: parameter negotiation, block/chunk streaming acknowledged by
// status notifications, and the end-of-transfer and reboot handshake.
package ota

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/glasslink/internal/ble"
)

// SUOTA service and characteristic UUIDs.
const (
	ServiceUUID           = "0000fef5-0000-1000-8000-00805f9b34fb"
	MemDevUUID            = "8082caa8-41a6-4021-91c6-56f9b954cc34"
	GPIOMapUUID           = "724249f0-5ec3-4b5f-8804-42345af08651"
	MemInfoUUID           = "6c53db25-47a1-45fe-a022-7c92fb334fd4"
	PatchLenUUID          = "9d84b9a3-000c-49d8-9183-855b673fda31"
	PatchDataUUID         = "457871e8-d516-4ca1-9116-57d0b17b9cb2"
	StatusUUID            = "5f78df94-798c-46f5-990a-b3eb6a065c88"
	VersionUUID           = "64b4e8b5-0de5-401b-a21d-acc8db3b913a"
	PatchDataCharSizeUUID = "42c3dfdd-77be-4d9c-8454-8f875267fb3b"
	MTUUUID               = "b7de1eea-823d-43bb-a3af-c4903dfce23c"
	L2CAPPSMUUID          = "61c8849c-f639-4765-946e-5c3419bebb2a"
)

// Control codes written to the memory-device characteristic, big-endian.
const (
	CodeSelectMemory  uint32 = 0x00000013
	CodeGPIOMap       uint32 = 0x00030605
	CodeEndOfTransfer uint32 = 0x000000FE
	CodeReboot        uint32 = 0x000000FD
)

// Status notification codes.
const (
	StatusArmed           byte = 0x10
	StatusBlockProgrammed byte = 0x02
)

// attHeader is the ATT write overhead subtracted from the negotiated MTU.
const attHeader = 3

// Target is the device being updated. It is satisfied by *ble.Session.
type Target interface {
	Connection() ble.Connection
	Acquire(owner string) (release func(), err error)
	ExpectDisconnect()
}

// Params are the transfer parameters read from the device.
type Params struct {
	Version      uint8
	PatchDataMax int
	MTU          int
	L2CAPPSM     uint16
}

// ChunkSize is the effective per-write chunk size.
func (p Params) ChunkSize() int {
	return min(p.PatchDataMax, p.MTU-attHeader)
}

// Orchestrator runs the SUOTA sequence.
//
// An Orchestrator holds no per-transfer state and may be reused.
type Orchestrator struct {
	config Config
	log    *slog.Logger
}

// New creates an Orchestrator with the given options.
//
// Example:
//
//	o := ota.New(
//	    ota.WithProgress(func(p ota.Progress) { fmt.Printf("%d%%\n", p.Percent) }),
//	    ota.WithStatusTimeout(5*time.Second),
//	)
func New(opts ...Option) *Orchestrator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{config: cfg, log: log}
}

// transfer is the state of one Run.
type transfer struct {
	o      *Orchestrator
	chars  map[string]ble.Characteristic
	status chan []byte
	params Params
	total  int
	sent   int
}

// Run transfers art to the device and reboots it into the new image:
//  1. Discover the SUOTA service
//  2. Read version, patch data size, MTU and L2CAP PSM
//  3. Enable status notifications
//  4. Select the memory device and wait for the armed status
//  5. Write the GPIO map
//  6. For each block, negotiate its length if it changed, stream its chunks
//     and wait for the block-programmed status
//  7. Signal end of transfer
//  8. Mark the coming disconnect as expected and write the reboot code
//
// The device is held exclusively for the whole sequence and released on
// every exit path. Any failure is returned as *Error; there are no retries.
func (o *Orchestrator) Run(ctx context.Context, target Target, art *Artifact) error {
	if art == nil {
		return &Error{Stage: StageDiscover, Detail: "no firmware artifact"}
	}
	release, err := target.Acquire("ota")
	if err != nil {
		return &Error{Stage: StageDiscover, Detail: "acquire device", Err: err}
	}
	defer release()

	t := &transfer{o: o, status: make(chan []byte, 16), total: art.Len()}
	start := time.Now()
	o.log.Info("[OTA] starting firmware transfer", "bytes", art.Len(), "device", target.Connection().ID())

	if err := t.discover(target.Connection()); err != nil {
		return err
	}
	if err := t.negotiate(); err != nil {
		return err
	}
	o.log.Info("[OTA] negotiated", "version", t.params.Version, "patch_max", t.params.PatchDataMax,
		"mtu", t.params.MTU, "chunk", t.params.ChunkSize())

	statusChar := t.chars[StatusUUID]
	if err := statusChar.Subscribe(t.onStatus); err != nil {
		return &Error{Stage: StageSubscribe, Detail: "enable status notifications", Err: err}
	}
	defer func() { _ = statusChar.Unsubscribe() }()

	if err := t.writeCode(StageSelectMemory, CodeSelectMemory); err != nil {
		return err
	}
	if err := t.await(ctx, StageSelectMemory, StatusArmed); err != nil {
		return err
	}
	t.report(StageSelectMemory, 0, 0)

	if err := t.write(StageGPIOMap, GPIOMapUUID, be32(CodeGPIOMap)); err != nil {
		return err
	}

	blocks, err := art.Partition(o.config.BlockSize, t.params.ChunkSize())
	if err != nil {
		return &Error{Stage: StagePatchLength, Detail: "partition", Err: err}
	}
	if err := t.sendBlocks(ctx, blocks); err != nil {
		return err
	}
	if info, ok := t.chars[MemInfoUUID]; ok {
		if data, err := info.Read(); err == nil && len(data) >= 4 {
			o.log.Debug("[OTA] memory info", "received", binary.LittleEndian.Uint32(data))
		}
	}

	if err := t.writeCode(StageEndOfTransfer, CodeEndOfTransfer); err != nil {
		return err
	}
	t.report(StageEndOfTransfer, len(blocks), len(blocks))

	target.ExpectDisconnect()
	if err := t.writeCode(StageReboot, CodeReboot); err != nil {
		return err
	}
	t.report(StageComplete, len(blocks), len(blocks))
	o.log.Info("[OTA] firmware transferred, device rebooting", "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (t *transfer) discover(conn ble.Connection) error {
	chars, err := conn.DiscoverCharacteristics(ServiceUUID)
	if err != nil {
		return &Error{Stage: StageDiscover, Detail: "update service", Err: err}
	}
	t.chars = make(map[string]ble.Characteristic, len(chars))
	for _, c := range chars {
		t.chars[strings.ToLower(c.UUID())] = c
	}
	for _, uuid := range []string{
		MemDevUUID, GPIOMapUUID, PatchLenUUID, PatchDataUUID, StatusUUID,
		VersionUUID, PatchDataCharSizeUUID, MTUUUID, L2CAPPSMUUID,
	} {
		if _, ok := t.chars[uuid]; !ok {
			return &Error{Stage: StageDiscover, Detail: "characteristic " + uuid, Err: ble.ErrCharacteristicNotFound}
		}
	}
	return nil
}

func (t *transfer) negotiate() error {
	version, err := t.readUint(VersionUUID, 1)
	if err != nil {
		return err
	}
	patchMax, err := t.readUint(PatchDataCharSizeUUID, 2)
	if err != nil {
		return err
	}
	mtu, err := t.readUint(MTUUUID, 2)
	if err != nil {
		return err
	}
	psm, err := t.readUint(L2CAPPSMUUID, 2)
	if err != nil {
		return err
	}
	t.params = Params{
		Version:      uint8(version),
		PatchDataMax: int(patchMax),
		MTU:          int(mtu),
		L2CAPPSM:     uint16(psm),
	}
	if t.params.ChunkSize() <= 0 {
		return &Error{
			Stage:  StageNegotiate,
			Detail: fmt.Sprintf("no usable chunk size (patch max %d, mtu %d)", patchMax, mtu),
		}
	}
	return nil
}

// readUint reads a little-endian integer of width bytes.
func (t *transfer) readUint(uuid string, width int) (uint, error) {
	data, err := t.chars[uuid].Read()
	if err != nil {
		return 0, &Error{Stage: StageNegotiate, Detail: "read " + uuid, Err: err}
	}
	if len(data) < width {
		return 0, &Error{Stage: StageNegotiate, Detail: fmt.Sprintf("read %s: %d bytes, want %d", uuid, len(data), width)}
	}
	if width == 1 {
		return uint(data[0]), nil
	}
	return uint(binary.LittleEndian.Uint16(data)), nil
}

func (t *transfer) sendBlocks(ctx context.Context, blocks []Block) error {
	patchData := t.chars[PatchDataUUID]
	lastLen := -1
	for i, b := range blocks {
		size := b.Size()
		if size != lastLen {
			if err := t.write(StagePatchLength, PatchLenUUID, le16(uint16(size))); err != nil {
				return err
			}
			lastLen = size
		}

		for _, chunk := range b.Chunks {
			if err := ctx.Err(); err != nil {
				return &Error{Stage: StagePatchData, Detail: fmt.Sprintf("block %d", i), Err: err}
			}
			if err := patchData.WriteWithoutResponse(chunk); err != nil {
				return &Error{Stage: StagePatchData, Detail: fmt.Sprintf("block %d", i), Err: err}
			}
			t.sent += len(chunk)
		}
		if err := t.await(ctx, StagePatchData, StatusBlockProgrammed); err != nil {
			return err
		}
		t.o.log.Debug("[OTA] block programmed", "block", i+1, "of", len(blocks), "size", size)
		t.report(StagePatchData, i+1, len(blocks))
	}
	return nil
}

func (t *transfer) onStatus(data []byte) {
	note := append([]byte(nil), data...)
	select {
	case t.status <- note:
	default:
		t.o.log.Warn("[OTA] status backlog full, dropping notification", "status", fmt.Sprintf("% X", note))
	}
}

// await waits for the status notification want. Any other status, or a
// notification that is not exactly one byte, aborts the stage.
func (t *transfer) await(ctx context.Context, stage Stage, want byte) error {
	timer := time.NewTimer(t.o.config.StatusTimeout)
	defer timer.Stop()
	select {
	case note := <-t.status:
		if len(note) != 1 {
			return &Error{Stage: stage, Detail: fmt.Sprintf("status notification [% X]", note), Err: ErrMalformedStatus}
		}
		if got := note[0]; got != want {
			return &Error{Stage: stage, Err: &StatusError{Want: want, Got: got}}
		}
		return nil
	case <-timer.C:
		return &Error{Stage: stage, Detail: fmt.Sprintf("no status 0x%02X within %v", want, t.o.config.StatusTimeout)}
	case <-ctx.Done():
		return &Error{Stage: stage, Err: ctx.Err()}
	}
}

func (t *transfer) writeCode(stage Stage, code uint32) error {
	return t.write(stage, MemDevUUID, be32(code))
}

// write performs an acknowledged write.
func (t *transfer) write(stage Stage, uuid string, data []byte) error {
	if err := t.chars[uuid].Write(data); err != nil {
		return &Error{Stage: stage, Detail: "write " + uuid, Err: err}
	}
	return nil
}

func (t *transfer) report(stage Stage, block, totalBlocks int) {
	cb := t.o.config.Progress
	if cb == nil {
		return
	}
	pct := 0
	if t.total > 0 {
		pct = t.sent * 100 / t.total
	}
	cb(Progress{
		Stage:       stage,
		Block:       block,
		TotalBlocks: totalBlocks,
		BytesSent:   t.sent,
		TotalBytes:  t.total,
		Percent:     pct,
	})
}

func be32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
func le16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }

// IsStage reports whether err is a firmware update error from stage.
func IsStage(err error, stage Stage) bool {
	var e *Error
	return errors.As(err, &e) && e.Stage == stage
}
