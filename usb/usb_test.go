package usb_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/c35s/xhcid/usb"
)

var errFlaky = errors.New("transient bus error")

type scriptedDevice struct {
	control []func(data []byte) (int, error)
	bulk    []func(data []byte) (int, error)

	controlCalls int
	bulkCalls    int
	cleared      []uint8
	resets       int
}

func (d *scriptedDevice) Control(setup usb.SetupPacket, data []byte) (int, error) {
	fn := d.control[d.controlCalls]
	d.controlCalls++
	return fn(data)
}

func (d *scriptedDevice) Bulk(ep uint8, data []byte) (int, error) {
	fn := d.bulk[d.bulkCalls]
	d.bulkCalls++
	return fn(data)
}

func (d *scriptedDevice) ClearHalt(ep uint8) error {
	d.cleared = append(d.cleared, ep)
	return nil
}

func (d *scriptedDevice) Reset() error {
	d.resets++
	return nil
}

func (d *scriptedDevice) Speed() usb.Speed { return usb.SpeedHigh }
func (d *scriptedDevice) Close() error     { return nil }

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ok(n int) func([]byte) (int, error) {
	return func([]byte) (int, error) { return n, nil }
}

func fail(err error) func([]byte) (int, error) {
	return func([]byte) (int, error) { return 0, err }
}

func TestBridgeControl(t *testing.T) {
	t.Run("transient errors are retried", func(t *testing.T) {
		dev := &scriptedDevice{control: []func([]byte) (int, error){
			fail(errFlaky), fail(errFlaky), ok(8),
		}}

		b := usb.NewBridge(dev, testLog())

		n, err := b.Control(usb.SetupPacket{Length: 8}, make([]byte, 8))
		if err != nil {
			t.Fatal(err)
		}

		if n != 8 {
			t.Errorf("n = %d, want 8", n)
		}

		if dev.controlCalls != 3 {
			t.Errorf("control calls = %d, want 3", dev.controlCalls)
		}
	})

	t.Run("retries are bounded", func(t *testing.T) {
		dev := &scriptedDevice{control: []func([]byte) (int, error){
			fail(errFlaky), fail(errFlaky), fail(errFlaky), fail(errFlaky),
		}}

		b := usb.NewBridge(dev, testLog())

		if _, err := b.Control(usb.SetupPacket{}, nil); !errors.Is(err, errFlaky) {
			t.Fatalf("err = %v, want %v", err, errFlaky)
		}

		if dev.controlCalls != 3 {
			t.Errorf("control calls = %d, want 3", dev.controlCalls)
		}
	})

	t.Run("a stall is not retried", func(t *testing.T) {
		dev := &scriptedDevice{control: []func([]byte) (int, error){
			fail(usb.ErrStall), ok(8),
		}}

		b := usb.NewBridge(dev, testLog())

		if _, err := b.Control(usb.SetupPacket{}, nil); !errors.Is(err, usb.ErrStall) {
			t.Fatalf("err = %v, want %v", err, usb.ErrStall)
		}

		if dev.controlCalls != 1 {
			t.Errorf("control calls = %d, want 1", dev.controlCalls)
		}
	})
}

func TestBridgeBulk(t *testing.T) {
	t.Run("a halted endpoint is cleared and retried", func(t *testing.T) {
		dev := &scriptedDevice{bulk: []func([]byte) (int, error){
			fail(usb.ErrStall), ok(512),
		}}

		b := usb.NewBridge(dev, testLog())

		n, err := b.Bulk(0x81, make([]byte, 512))
		if err != nil {
			t.Fatal(err)
		}

		if n != 512 {
			t.Errorf("n = %d, want 512", n)
		}

		if len(dev.cleared) != 1 || dev.cleared[0] != 0x81 {
			t.Errorf("cleared = %v, want [0x81]", dev.cleared)
		}
	})

	t.Run("a persistent stall is reported", func(t *testing.T) {
		dev := &scriptedDevice{bulk: []func([]byte) (int, error){
			fail(usb.ErrStall), fail(usb.ErrStall), fail(usb.ErrStall),
		}}

		b := usb.NewBridge(dev, testLog())

		if _, err := b.Bulk(0x02, nil); !errors.Is(err, usb.ErrStall) {
			t.Fatalf("err = %v, want %v", err, usb.ErrStall)
		}

		if dev.bulkCalls != 3 {
			t.Errorf("bulk calls = %d, want 3", dev.bulkCalls)
		}
	})

	t.Run("a failed clear halt stops the retries", func(t *testing.T) {
		dev := &scriptedDevice{bulk: []func([]byte) (int, error){
			fail(usb.ErrStall),
		}}

		b := usb.NewBridge(&noClearDevice{dev}, testLog())

		if _, err := b.Bulk(0x81, nil); !errors.Is(err, usb.ErrStall) {
			t.Fatalf("err = %v, want %v", err, usb.ErrStall)
		}

		if dev.bulkCalls != 1 {
			t.Errorf("bulk calls = %d, want 1", dev.bulkCalls)
		}
	})
}

type noClearDevice struct {
	*scriptedDevice
}

func (d *noClearDevice) ClearHalt(ep uint8) error {
	return errors.New("clear halt failed")
}

func TestSpeedString(t *testing.T) {
	if got := usb.SpeedSuper.String(); got != "super" {
		t.Errorf("got %q", got)
	}

	if got := usb.Speed(42).String(); got != "unknown (42)" {
		t.Errorf("got %q", got)
	}
}
