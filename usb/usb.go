// Package usb bridges emulated controller traffic to real USB devices
// attached to the host.
package usb

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrStall means the device answered a transfer with a STALL handshake.
var ErrStall = errors.New("usb: endpoint stalled")

// Speed is a USB device speed.
type Speed int

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedSuper
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	}

	return fmt.Sprintf("unknown (%d)", int(s))
}

// SetupPacket is the 8-byte setup stage of a USB control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// In reports whether the data stage moves device to host.
func (s SetupPacket) In() bool {
	return s.RequestType&0x80 != 0
}

// Device is a USB device the bridge can drive. Transfer methods return
// the number of bytes actually moved. A STALL handshake is reported as
// ErrStall.
type Device interface {
	// Control performs a control transfer on the default endpoint. For
	// IN transfers the device writes into data; for OUT transfers it
	// reads from data.
	Control(setup SetupPacket, data []byte) (int, error)

	// Bulk performs a bulk transfer on the endpoint with the given
	// address. Bit 7 of the address is the direction, as on the wire.
	Bulk(ep uint8, data []byte) (int, error)

	// ClearHalt recovers an endpoint from a halted state.
	ClearHalt(ep uint8) error

	// Reset performs a port reset.
	Reset() error

	// Speed reports the device's negotiated speed.
	Speed() Speed

	Close() error
}

// maxAttempts bounds transfer retries. Transient bus errors are retried;
// a transfer that fails this many times is reported to the guest.
const maxAttempts = 3

// Bridge wraps a Device with the retry policy the controller expects:
// transient errors are retried a bounded number of times, and a halted
// bulk endpoint is cleared before retrying.
type Bridge struct {
	dev Device
	log *slog.Logger
}

// NewBridge returns a Bridge driving dev. If log is nil, slog.Default()
// is used.
func NewBridge(dev Device, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}

	return &Bridge{dev: dev, log: log}
}

// Control performs a control transfer. A stall is returned immediately:
// it is the device's answer to the request, not a transport fault.
func (b *Bridge) Control(setup SetupPacket, data []byte) (n int, err error) {
	for attempt := 1; ; attempt++ {
		n, err = b.dev.Control(setup, data)
		if err == nil || errors.Is(err, ErrStall) || attempt == maxAttempts {
			return n, err
		}

		b.log.Debug("retrying control transfer",
			"attempt", attempt, "error", err)
	}
}

// Bulk performs a bulk transfer. A halted endpoint is cleared and the
// transfer retried; a stall that persists is returned.
func (b *Bridge) Bulk(ep uint8, data []byte) (n int, err error) {
	for attempt := 1; ; attempt++ {
		n, err = b.dev.Bulk(ep, data)
		if err == nil || attempt == maxAttempts {
			return n, err
		}

		if errors.Is(err, ErrStall) {
			if cerr := b.dev.ClearHalt(ep); cerr != nil {
				return n, err
			}
		}

		b.log.Debug("retrying bulk transfer",
			"endpoint", fmt.Sprintf("%#x", ep), "attempt", attempt, "error", err)
	}
}

// Reset resets the device.
func (b *Bridge) Reset() error {
	return b.dev.Reset()
}

// Speed reports the device's speed.
func (b *Bridge) Speed() Speed {
	return b.dev.Speed()
}

// Close releases the device.
func (b *Bridge) Close() error {
	return b.dev.Close()
}
