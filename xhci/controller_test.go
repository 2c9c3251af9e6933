package xhci

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/c35s/xhcid/dma"
	"github.com/c35s/xhcid/usb"
	"github.com/c35s/xhcid/vfio"
	"github.com/google/go-cmp/cmp"
)

// guest memory layout used by the tests
const (
	testDCBAA     = 0x100
	testCmdRing   = 0x1000
	testERST      = 0x2000
	testEventRing = 0x3000
	testInputCtx  = 0x4000
	testDevCtx    = 0x5000
	testXferRing  = 0x6000
	testXferRing2 = 0x6800
	testDataBuf   = 0x7000
)

type testDevice struct {
	controlFn func(setup usb.SetupPacket, data []byte) (int, error)
	bulkFn    func(ep uint8, data []byte) (int, error)

	resets  int
	cleared []uint8
}

func (d *testDevice) Control(setup usb.SetupPacket, data []byte) (int, error) {
	if d.controlFn == nil {
		return len(data), nil
	}

	return d.controlFn(setup, data)
}

func (d *testDevice) Bulk(ep uint8, data []byte) (int, error) {
	if d.bulkFn == nil {
		return len(data), nil
	}

	return d.bulkFn(ep, data)
}

func (d *testDevice) ClearHalt(ep uint8) error {
	d.cleared = append(d.cleared, ep)
	return nil
}

func (d *testDevice) Reset() error {
	d.resets++
	return nil
}

func (d *testDevice) Speed() usb.Speed { return usb.SpeedSuper }
func (d *testDevice) Close() error     { return nil }

type harness struct {
	t *testing.T
	c *Controller

	mem  []byte
	irqs int

	cmdEnq   uint64
	cmdCycle bool

	evtDeq   uint64
	evtSize  uint64
	evtCycle bool
}

func newHarness(t *testing.T, dev usb.Device, evtTRBs int) *harness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var bridges []*usb.Bridge
	if dev != nil {
		bridges = append(bridges, usb.NewBridge(dev, log))
	}

	h := &harness{
		t:        t,
		c:        New(Config{Devices: bridges, Log: log}),
		mem:      make([]byte, 1<<20),
		cmdEnq:   testCmdRing,
		cmdCycle: true,
		evtDeq:   testEventRing,
		evtSize:  uint64(evtTRBs),
		evtCycle: true,
	}

	if err := h.c.mem.Map(dma.NewRegion(0, h.mem, true, nil)); err != nil {
		t.Fatal(err)
	}

	h.c.irq = func() error { h.irqs++; return nil }

	// enable memory decoding and MSI-X, and unmask vector 0
	h.configWrite(4, 2, 0x0002)
	h.configWrite(0x42, 2, 0x8000)
	h.barWrite32(msixBase+12, 0)

	// event ring: one segment of evtTRBs TRBs
	binary.LittleEndian.PutUint64(h.mem[testERST:], testEventRing)
	binary.LittleEndian.PutUint32(h.mem[testERST+8:], uint32(evtTRBs))

	h.barWrite32(regERSTSz, 1)
	h.barWrite32(regERSTBA, testERST)
	h.barWrite32(regERSTBA+4, 0)
	h.barWrite32(regERDP, testEventRing)
	h.barWrite32(regERDP+4, 0)
	h.barWrite32(regIMan, imanIE)

	h.barWrite32(regCRCR, testCmdRing|crcrRCS)
	h.barWrite32(regCRCR+4, 0)

	h.barWrite32(regDCBAAP, testDCBAA)
	h.barWrite32(regDCBAAP+4, 0)

	h.barWrite32(regUSBCmd, cmdRunStop|cmdIntE)

	return h
}

func (h *harness) configWrite(off int, size int, v uint64) {
	h.t.Helper()

	p := make([]byte, size)
	putLE(p, v)

	if err := h.c.RegionWrite(vfio.RegionConfig, uint64(off), p); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) barWrite32(off uint64, v uint32) {
	h.t.Helper()

	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], v)

	if err := h.c.RegionWrite(vfio.RegionBAR0, off, p[:]); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) barRead32(off uint64) uint32 {
	h.t.Helper()

	var p [4]byte
	if err := h.c.RegionRead(vfio.RegionBAR0, off, p[:]); err != nil {
		h.t.Fatal(err)
	}

	return binary.LittleEndian.Uint32(p[:])
}

// pushCmd writes a TRB to the command ring with the producer cycle bit.
func (h *harness) pushCmd(trb TRB) uint64 {
	h.t.Helper()

	trb.Control &^= trbCycle
	if h.cmdCycle {
		trb.Control |= trbCycle
	}

	addr := h.cmdEnq
	encodeTRB(trb, h.mem[addr:])
	h.cmdEnq += TRBSize

	return addr
}

// nextEvent consumes one event TRB, failing the test if none is pending.
// It acknowledges the event by writing ERDP, which is also what lets the
// controller deliver deferred events.
func (h *harness) nextEvent() TRB {
	h.t.Helper()

	trb := decodeTRB(h.mem[h.evtDeq:])
	if trb.Cycle() != h.evtCycle {
		h.t.Fatalf("no event pending at %#x", h.evtDeq)
	}

	h.evtDeq += TRBSize
	if h.evtDeq == testEventRing+h.evtSize*TRBSize {
		h.evtDeq = testEventRing
		h.evtCycle = !h.evtCycle
	}

	h.barWrite32(regERDP, uint32(h.evtDeq))
	h.barWrite32(regERDP+4, uint32(h.evtDeq>>32))

	return trb
}

// hasEvent reports whether an event is pending without consuming it.
func (h *harness) hasEvent() bool {
	return decodeTRB(h.mem[h.evtDeq:]).Cycle() == h.evtCycle
}

func TestCommands(t *testing.T) {
	t.Run("no op", func(t *testing.T) {
		h := newHarness(t, nil, 16)

		addr := h.pushCmd(TRB{Control: trbNoOpCommand << 10})
		h.barWrite32(dbBase, 0)

		ev := h.nextEvent()
		if ev.Type() != trbCmdCompletion {
			t.Fatalf("event type = %d, want %d", ev.Type(), trbCmdCompletion)
		}

		if ev.Parameter != addr {
			t.Errorf("event points at %#x, want %#x", ev.Parameter, addr)
		}

		if code := ev.Status >> 24; code != ccSuccess {
			t.Errorf("completion code = %d, want %d", code, ccSuccess)
		}

		if h.irqs == 0 {
			t.Error("no interrupt raised")
		}
	})

	t.Run("enable slot", func(t *testing.T) {
		h := newHarness(t, nil, 16)

		h.pushCmd(TRB{Control: trbEnableSlot << 10})
		h.barWrite32(dbBase, 0)

		ev := h.nextEvent()
		if code := ev.Status >> 24; code != ccSuccess {
			t.Fatalf("completion code = %d, want %d", code, ccSuccess)
		}

		if ev.SlotID() != 1 {
			t.Errorf("slot id = %d, want 1", ev.SlotID())
		}
	})

	t.Run("slots exhausted", func(t *testing.T) {
		h := newHarness(t, nil, 32)

		for i := 0; i < NumSlots+1; i++ {
			h.pushCmd(TRB{Control: trbEnableSlot << 10})
		}

		h.barWrite32(dbBase, 0)

		for i := 0; i < NumSlots; i++ {
			if code := h.nextEvent().Status >> 24; code != ccSuccess {
				t.Fatalf("slot %d: completion code = %d", i+1, code)
			}
		}

		if code := h.nextEvent().Status >> 24; code != ccNoSlotsAvailable {
			t.Errorf("completion code = %d, want %d", code, ccNoSlotsAvailable)
		}
	})

	t.Run("disable frees the slot", func(t *testing.T) {
		h := newHarness(t, nil, 16)

		h.pushCmd(TRB{Control: trbEnableSlot << 10})
		h.pushCmd(TRB{Control: trbDisableSlot<<10 | 1<<24})
		h.pushCmd(TRB{Control: trbEnableSlot << 10})
		h.barWrite32(dbBase, 0)

		h.nextEvent()
		h.nextEvent()

		if ev := h.nextEvent(); ev.SlotID() != 1 {
			t.Errorf("slot id = %d, want 1", ev.SlotID())
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		h := newHarness(t, nil, 16)

		h.pushCmd(TRB{Control: 30 << 10})
		h.barWrite32(dbBase, 0)

		if code := h.nextEvent().Status >> 24; code != ccTRBError {
			t.Errorf("completion code = %d, want %d", code, ccTRBError)
		}
	})

	t.Run("address device without enable", func(t *testing.T) {
		h := newHarness(t, nil, 16)

		h.pushCmd(TRB{Parameter: testInputCtx, Control: trbAddressDevice<<10 | 3<<24})
		h.barWrite32(dbBase, 0)

		if code := h.nextEvent().Status >> 24; code != ccSlotNotEnabled {
			t.Errorf("completion code = %d, want %d", code, ccSlotNotEnabled)
		}
	})
}

func TestCommandRingLink(t *testing.T) {
	h := newHarness(t, nil, 16)

	// a two-TRB ring that links back to its start with a cycle toggle
	link := TRB{
		Parameter: testCmdRing,
		Control:   trbLink<<10 | trbToggleCycle | trbCycle,
	}
	encodeTRB(link, h.mem[testCmdRing+2*TRBSize:])

	a := h.pushCmd(TRB{Control: trbNoOpCommand << 10})
	b := h.pushCmd(TRB{Control: trbNoOpCommand << 10})
	h.barWrite32(dbBase, 0)

	if ev := h.nextEvent(); ev.Parameter != a {
		t.Fatalf("event points at %#x, want %#x", ev.Parameter, a)
	}

	if ev := h.nextEvent(); ev.Parameter != b {
		t.Fatalf("event points at %#x, want %#x", ev.Parameter, b)
	}

	// wrap: the link toggles the consumer cycle, so the producer flips too
	h.cmdEnq = testCmdRing
	h.cmdCycle = false
	encodeTRB(TRB{
		Parameter: testCmdRing,
		Control:   trbLink<<10 | trbToggleCycle,
	}, h.mem[testCmdRing+2*TRBSize:])

	c := h.pushCmd(TRB{Control: trbNoOpCommand << 10})
	h.barWrite32(dbBase, 0)

	if ev := h.nextEvent(); ev.Parameter != c {
		t.Fatalf("event points at %#x, want %#x", ev.Parameter, c)
	}
}

func TestEventRingDeferral(t *testing.T) {
	h := newHarness(t, nil, 4) // 3 usable slots

	var addrs []uint64
	for i := 0; i < 5; i++ {
		addrs = append(addrs, h.pushCmd(TRB{Control: trbNoOpCommand << 10}))
	}

	h.barWrite32(dbBase, 0)

	// the fourth event slot must still belong to the guest
	if trb := decodeTRB(h.mem[testEventRing+3*TRBSize:]); trb.Cycle() {
		t.Fatal("controller wrote into a full event ring")
	}

	// consuming frees space, so the deferred events arrive in order
	var got []uint64
	for i := 0; i < 5; i++ {
		got = append(got, h.nextEvent().Parameter)
	}

	if diff := cmp.Diff(addrs, got); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}

	if h.hasEvent() {
		t.Error("unexpected extra event")
	}
}

func TestPorts(t *testing.T) {
	t.Run("connected port", func(t *testing.T) {
		dev := new(testDevice)
		h := newHarness(t, dev, 16)

		want := uint32(portCCS | portCSC | portPP | SpeedSuper<<portSpeedShift)
		if got := h.barRead32(portsBase); got != want {
			t.Fatalf("portsc = %#x, want %#x", got, want)
		}

		// connect status change is write-1-to-clear
		h.barWrite32(portsBase, portCSC)
		if got := h.barRead32(portsBase); got&portCSC != 0 {
			t.Error("csc did not clear")
		}
	})

	t.Run("empty port", func(t *testing.T) {
		h := newHarness(t, nil, 16)

		if got := h.barRead32(portsBase); got != portPP {
			t.Errorf("portsc = %#x, want %#x", got, portPP)
		}
	})

	t.Run("port reset", func(t *testing.T) {
		dev := new(testDevice)
		h := newHarness(t, dev, 16)

		h.barWrite32(portsBase, portPR)

		if dev.resets != 1 {
			t.Errorf("device resets = %d, want 1", dev.resets)
		}

		got := h.barRead32(portsBase)
		if got&portPED == 0 {
			t.Error("port not enabled after reset")
		}

		if got&portPRC == 0 {
			t.Error("port reset change not set")
		}

		ev := h.nextEvent()
		if ev.Type() != trbPortStatus {
			t.Fatalf("event type = %d, want %d", ev.Type(), trbPortStatus)
		}

		if port := ev.Parameter >> 24; port != 1 {
			t.Errorf("port id = %d, want 1", port)
		}
	})

	t.Run("run announces connected ports", func(t *testing.T) {
		dev := new(testDevice)
		h := newHarness(t, dev, 16)

		// the harness already started the controller
		ev := h.nextEvent()
		if ev.Type() != trbPortStatus {
			t.Fatalf("event type = %d, want %d", ev.Type(), trbPortStatus)
		}
	})
}

func TestHCReset(t *testing.T) {
	snapshot := func(h *harness) map[string]uint32 {
		return map[string]uint32{
			"usbcmd": h.barRead32(regUSBCmd),
			"usbsts": h.barRead32(regUSBSts),
			"crcr":   h.barRead32(regCRCR),
			"dcbaap": h.barRead32(regDCBAAP),
			"erstsz": h.barRead32(regERSTSz),
			"erstba": h.barRead32(regERSTBA),
			"iman":   h.barRead32(regIMan),
			"portsc": h.barRead32(portsBase),
		}
	}

	h := newHarness(t, new(testDevice), 16)

	h.barWrite32(regUSBCmd, cmdHCReset)
	first := snapshot(h)

	if first["usbsts"]&stsHCHalted == 0 {
		t.Error("controller not halted after reset")
	}

	if first["dcbaap"] != 0 || first["erstba"] != 0 {
		t.Error("ring state survived reset")
	}

	if first["portsc"]&portCSC == 0 {
		t.Error("connect status change not set after reset")
	}

	// a second reset lands in the same state
	h.barWrite32(regUSBCmd, cmdHCReset)

	if diff := cmp.Diff(first, snapshot(h)); diff != "" {
		t.Errorf("reset is not idempotent (-first +second):\n%s", diff)
	}
}

func TestMemoryDecodeGate(t *testing.T) {
	h := newHarness(t, nil, 16)

	// disable memory decoding
	h.configWrite(4, 2, 0)

	if got := h.barRead32(regCapLength); got != ^uint32(0) {
		t.Errorf("read = %#x, want all ones", got)
	}

	h.barWrite32(regDNCtrl, 0xffff)
	h.configWrite(4, 2, 0x0002)

	if got := h.barRead32(regDNCtrl); got != 0 {
		t.Errorf("write landed while decoding was disabled: %#x", got)
	}
}

func TestInterruptGates(t *testing.T) {
	run := func(t *testing.T, prep func(h *harness)) int {
		h := newHarness(t, nil, 16)
		prep(h)
		h.irqs = 0

		h.pushCmd(TRB{Control: trbNoOpCommand << 10})
		h.barWrite32(dbBase, 0)

		return h.irqs
	}

	t.Run("all enabled", func(t *testing.T) {
		if got := run(t, func(h *harness) {}); got != 1 {
			t.Errorf("irqs = %d, want 1", got)
		}
	})

	t.Run("inte off", func(t *testing.T) {
		if got := run(t, func(h *harness) {
			h.barWrite32(regUSBCmd, cmdRunStop)
		}); got != 0 {
			t.Errorf("irqs = %d, want 0", got)
		}
	})

	t.Run("iman ie off", func(t *testing.T) {
		if got := run(t, func(h *harness) {
			h.barWrite32(regIMan, 0)
		}); got != 0 {
			t.Errorf("irqs = %d, want 0", got)
		}
	})

	t.Run("msi-x disabled", func(t *testing.T) {
		if got := run(t, func(h *harness) {
			h.configWrite(0x42, 2, 0)
		}); got != 0 {
			t.Errorf("irqs = %d, want 0", got)
		}
	})

	t.Run("vector masked", func(t *testing.T) {
		if got := run(t, func(h *harness) {
			h.barWrite32(msixBase+12, 1)
		}); got != 0 {
			t.Errorf("irqs = %d, want 0", got)
		}
	})
}

// enableAndAddress runs the enable slot and address device commands for
// a device on port 1, with the transfer ring for the default control
// endpoint at ring.
func (h *harness) enableAndAddress(ring uint64) {
	h.t.Helper()

	// input context: control context, then slot and ep0 contexts
	binary.LittleEndian.PutUint32(h.mem[testInputCtx+4:], 0x3) // add slot and ep0
	binary.LittleEndian.PutUint32(h.mem[testInputCtx+contextSize+slotCtxInfo2:], 1<<16)
	binary.LittleEndian.PutUint64(h.mem[testInputCtx+2*contextSize+epCtxDequeue:], ring|1)

	binary.LittleEndian.PutUint64(h.mem[testDCBAA+8:], testDevCtx)

	h.pushCmd(TRB{Control: trbEnableSlot << 10})
	h.pushCmd(TRB{Parameter: testInputCtx, Control: trbAddressDevice<<10 | 1<<24})
	h.barWrite32(dbBase, 0)

	if code := h.nextEvent().Status >> 24; code != ccSuccess {
		h.t.Fatalf("enable slot: completion code = %d", code)
	}

	if code := h.nextEvent().Status >> 24; code != ccSuccess {
		h.t.Fatalf("address device: completion code = %d", code)
	}
}

func TestAddressDevice(t *testing.T) {
	h := newHarness(t, new(testDevice), 16)
	h.nextEvent() // port status change from starting the controller

	h.enableAndAddress(testXferRing)

	// the slot and endpoint contexts land in the device context
	info := binary.LittleEndian.Uint32(h.mem[testDevCtx+slotCtxInfo2:])
	if port := info >> 16 & 0xff; port != 1 {
		t.Errorf("root hub port = %d, want 1", port)
	}

	dq := binary.LittleEndian.Uint64(h.mem[testDevCtx+contextSize+epCtxDequeue:])
	if dq != testXferRing|1 {
		t.Errorf("ep0 dequeue = %#x, want %#x", dq, testXferRing|1)
	}
}

func TestControlTransfer(t *testing.T) {
	descriptor := []byte{
		0x12, 0x01, 0x00, 0x03, 0x00, 0x00, 0x00, 0x09,
		0x36, 0x1b, 0x0d, 0x00, 0x00, 0x01, 0x00, 0x00,
		0x00, 0x01,
	}

	var gotSetup usb.SetupPacket
	dev := &testDevice{
		controlFn: func(setup usb.SetupPacket, data []byte) (int, error) {
			gotSetup = setup
			return copy(data, descriptor), nil
		},
	}

	h := newHarness(t, dev, 16)
	h.nextEvent()
	h.enableAndAddress(testXferRing)

	// GET_DESCRIPTOR(device), 18 bytes
	setup := uint64(0x80) | 6<<8 | 0x0100<<16 | 18<<48
	encodeTRB(TRB{
		Parameter: setup,
		Status:    8,
		Control:   trbSetupStage<<10 | trbIDT | trbCycle,
	}, h.mem[testXferRing:])

	encodeTRB(TRB{
		Parameter: testDataBuf,
		Status:    18,
		Control:   trbDataStage<<10 | trbDirIn | trbCycle,
	}, h.mem[testXferRing+TRBSize:])

	encodeTRB(TRB{
		Control: trbStatusStage<<10 | trbIOC | trbCycle,
	}, h.mem[testXferRing+2*TRBSize:])

	h.barWrite32(dbBase+4, 1) // slot 1, ep0 (dci 1)

	ev := h.nextEvent()
	if ev.Type() != trbTransferEvent {
		t.Fatalf("event type = %d, want %d", ev.Type(), trbTransferEvent)
	}

	if code := ev.Status >> 24; code != ccSuccess {
		t.Fatalf("completion code = %d, want %d", code, ccSuccess)
	}

	if ev.SlotID() != 1 || ev.EndpointID() != 1 {
		t.Errorf("slot %d ep %d, want slot 1 ep 1", ev.SlotID(), ev.EndpointID())
	}

	want := usb.SetupPacket{RequestType: 0x80, Request: 6, Value: 0x0100, Length: 18}
	if diff := cmp.Diff(want, gotSetup); diff != "" {
		t.Errorf("setup packet mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(descriptor, h.mem[testDataBuf:testDataBuf+18]); diff != "" {
		t.Errorf("data stage mismatch (-want +got):\n%s", diff)
	}

	// the ring position is saved back to the endpoint context
	dq := binary.LittleEndian.Uint64(h.mem[testDevCtx+contextSize+epCtxDequeue:])
	if dq != testXferRing+3*TRBSize|1 {
		t.Errorf("ep0 dequeue = %#x, want %#x", dq, testXferRing+3*TRBSize|1)
	}
}

func TestControlTransferStall(t *testing.T) {
	dev := &testDevice{
		controlFn: func(setup usb.SetupPacket, data []byte) (int, error) {
			return 0, usb.ErrStall
		},
	}

	h := newHarness(t, dev, 16)
	h.nextEvent()
	h.enableAndAddress(testXferRing)

	encodeTRB(TRB{
		Parameter: 0x80 | 6<<8,
		Status:    8,
		Control:   trbSetupStage<<10 | trbIDT | trbCycle,
	}, h.mem[testXferRing:])

	encodeTRB(TRB{
		Control: trbStatusStage<<10 | trbIOC | trbCycle,
	}, h.mem[testXferRing+TRBSize:])

	h.barWrite32(dbBase+4, 1)

	if code := h.nextEvent().Status >> 24; code != ccStallError {
		t.Errorf("completion code = %d, want %d", code, ccStallError)
	}
}

func TestBulkTransfer(t *testing.T) {
	// dci 3 is endpoint 1 IN
	const dci = 3

	setupEndpoint := func(h *harness) {
		h.nextEvent()
		h.enableAndAddress(testXferRing)
		binary.LittleEndian.PutUint64(
			h.mem[testDevCtx+dci*contextSize+epCtxDequeue:], testXferRing2|1)
	}

	t.Run("full read", func(t *testing.T) {
		var gotEP uint8
		dev := &testDevice{
			bulkFn: func(ep uint8, data []byte) (int, error) {
				gotEP = ep
				for i := range data {
					data[i] = 0xab
				}

				return len(data), nil
			},
		}

		h := newHarness(t, dev, 16)
		setupEndpoint(h)

		encodeTRB(TRB{
			Parameter: testDataBuf,
			Status:    512,
			Control:   trbNormal<<10 | trbIOC | trbCycle,
		}, h.mem[testXferRing2:])

		h.barWrite32(dbBase+4, dci)

		ev := h.nextEvent()
		if code := ev.Status >> 24; code != ccSuccess {
			t.Fatalf("completion code = %d, want %d", code, ccSuccess)
		}

		if residual := ev.Status & 0xffffff; residual != 0 {
			t.Errorf("residual = %d, want 0", residual)
		}

		if gotEP != 0x81 {
			t.Errorf("endpoint = %#x, want 0x81", gotEP)
		}

		if h.mem[testDataBuf] != 0xab || h.mem[testDataBuf+511] != 0xab {
			t.Error("data not written to the guest buffer")
		}
	})

	t.Run("short read", func(t *testing.T) {
		dev := &testDevice{
			bulkFn: func(ep uint8, data []byte) (int, error) {
				return 256, nil
			},
		}

		h := newHarness(t, dev, 16)
		setupEndpoint(h)

		encodeTRB(TRB{
			Parameter: testDataBuf,
			Status:    512,
			Control:   trbNormal<<10 | trbIOC | trbCycle,
		}, h.mem[testXferRing2:])

		h.barWrite32(dbBase+4, dci)

		ev := h.nextEvent()
		if code := ev.Status >> 24; code != ccShortPacket {
			t.Fatalf("completion code = %d, want %d", code, ccShortPacket)
		}

		if residual := ev.Status & 0xffffff; residual != 256 {
			t.Errorf("residual = %d, want 256", residual)
		}
	})

	t.Run("chained td", func(t *testing.T) {
		var gotLen int
		dev := &testDevice{
			bulkFn: func(ep uint8, data []byte) (int, error) {
				gotLen = len(data)
				return len(data), nil
			},
		}

		h := newHarness(t, dev, 16)
		setupEndpoint(h)

		encodeTRB(TRB{
			Parameter: testDataBuf,
			Status:    256,
			Control:   trbNormal<<10 | trbChain | trbCycle,
		}, h.mem[testXferRing2:])

		encodeTRB(TRB{
			Parameter: testDataBuf + 256,
			Status:    256,
			Control:   trbNormal<<10 | trbIOC | trbCycle,
		}, h.mem[testXferRing2+TRBSize:])

		h.barWrite32(dbBase+4, dci)

		if code := h.nextEvent().Status >> 24; code != ccSuccess {
			t.Fatalf("completion code = %d", code)
		}

		if gotLen != 512 {
			t.Errorf("transfer length = %d, want 512", gotLen)
		}
	})

	t.Run("transaction error", func(t *testing.T) {
		dev := &testDevice{
			bulkFn: func(ep uint8, data []byte) (int, error) {
				return 0, errors.New("broken pipe")
			},
		}

		h := newHarness(t, dev, 16)
		setupEndpoint(h)

		encodeTRB(TRB{
			Parameter: testDataBuf,
			Status:    64,
			Control:   trbNormal<<10 | trbIOC | trbCycle,
		}, h.mem[testXferRing2:])

		h.barWrite32(dbBase+4, dci)

		if code := h.nextEvent().Status >> 24; code != ccUSBTransaction {
			t.Errorf("completion code = %d, want %d", code, ccUSBTransaction)
		}
	})
}

func TestSetTRDequeue(t *testing.T) {
	h := newHarness(t, new(testDevice), 16)
	h.nextEvent()
	h.enableAndAddress(testXferRing)

	h.pushCmd(TRB{
		Parameter: testXferRing2 | 1,
		Control:   trbSetTRDequeue<<10 | 1<<16 | 1<<24,
	})
	h.barWrite32(dbBase, 0)

	if code := h.nextEvent().Status >> 24; code != ccSuccess {
		t.Fatalf("completion code = %d", code)
	}

	dq := binary.LittleEndian.Uint64(h.mem[testDevCtx+contextSize+epCtxDequeue:])
	if dq != testXferRing2|1 {
		t.Errorf("ep0 dequeue = %#x, want %#x", dq, testXferRing2|1)
	}
}

func TestEventRingFault(t *testing.T) {
	h := newHarness(t, nil, 16)

	// repoint the event ring segment at unmapped memory
	binary.LittleEndian.PutUint64(h.mem[testERST:], 0xdead0000)
	h.barWrite32(regERSTBA, testERST)
	h.barWrite32(regERSTBA+4, 0)

	h.pushCmd(TRB{Control: trbNoOpCommand << 10})
	h.barWrite32(dbBase, 0)

	sts := h.barRead32(regUSBSts)
	if sts&stsHCE == 0 || sts&stsHCHalted == 0 {
		t.Fatalf("usbsts = %#x, want HCE and HCHalted", sts)
	}

	// the controller is halted: further doorbells are dropped
	h.pushCmd(TRB{Control: trbNoOpCommand << 10})
	h.barWrite32(dbBase, 0)

	if h.hasEvent() {
		t.Error("event written after host controller error")
	}

	h.barWrite32(regUSBCmd, cmdHCReset)

	if sts := h.barRead32(regUSBSts); sts&stsHCE != 0 {
		t.Errorf("usbsts = %#x after reset, HCE still set", sts)
	}
}

func TestImmediateData(t *testing.T) {
	t.Run("control out", func(t *testing.T) {
		var got []byte
		dev := &testDevice{
			controlFn: func(setup usb.SetupPacket, data []byte) (int, error) {
				got = append([]byte(nil), data...)
				return len(data), nil
			},
		}

		h := newHarness(t, dev, 16)
		h.nextEvent()
		h.enableAndAddress(testXferRing)

		encodeTRB(TRB{
			Parameter: 0x21 | 9<<8 | 2<<48,
			Status:    8,
			Control:   trbSetupStage<<10 | trbIDT | trbCycle,
		}, h.mem[testXferRing:])

		// the two data bytes ride in the TRB itself
		encodeTRB(TRB{
			Parameter: 0xbbaa,
			Status:    2,
			Control:   trbDataStage<<10 | trbIDT | trbCycle,
		}, h.mem[testXferRing+TRBSize:])

		encodeTRB(TRB{
			Control: trbStatusStage<<10 | trbIOC | trbDirIn | trbCycle,
		}, h.mem[testXferRing+2*TRBSize:])

		h.barWrite32(dbBase+4, 1)

		if code := h.nextEvent().Status >> 24; code != ccSuccess {
			t.Fatalf("completion code = %d, want %d", code, ccSuccess)
		}

		if diff := cmp.Diff([]byte{0xaa, 0xbb}, got); diff != "" {
			t.Errorf("device data mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("bulk out", func(t *testing.T) {
		// dci 2 is endpoint 1 OUT
		const dci = 2

		var got []byte
		var gotEP uint8
		dev := &testDevice{
			bulkFn: func(ep uint8, data []byte) (int, error) {
				gotEP = ep
				got = append([]byte(nil), data...)
				return len(data), nil
			},
		}

		h := newHarness(t, dev, 16)
		h.nextEvent()
		h.enableAndAddress(testXferRing)
		binary.LittleEndian.PutUint64(
			h.mem[testDevCtx+dci*contextSize+epCtxDequeue:], testXferRing2|1)

		encodeTRB(TRB{
			Parameter: 0x04030201,
			Status:    4,
			Control:   trbNormal<<10 | trbIDT | trbIOC | trbCycle,
		}, h.mem[testXferRing2:])

		h.barWrite32(dbBase+4, dci)

		if code := h.nextEvent().Status >> 24; code != ccSuccess {
			t.Fatalf("completion code = %d, want %d", code, ccSuccess)
		}

		if gotEP != 0x01 {
			t.Errorf("endpoint = %#x, want 0x01", gotEP)
		}

		if diff := cmp.Diff([]byte{1, 2, 3, 4}, got); diff != "" {
			t.Errorf("device data mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("in rejected", func(t *testing.T) {
		const dci = 3

		h := newHarness(t, new(testDevice), 16)
		h.nextEvent()
		h.enableAndAddress(testXferRing)
		binary.LittleEndian.PutUint64(
			h.mem[testDevCtx+dci*contextSize+epCtxDequeue:], testXferRing2|1)

		encodeTRB(TRB{
			Status:  4,
			Control: trbNormal<<10 | trbIDT | trbIOC | trbCycle,
		}, h.mem[testXferRing2:])

		h.barWrite32(dbBase+4, dci)

		if code := h.nextEvent().Status >> 24; code != ccTRBError {
			t.Errorf("completion code = %d, want %d", code, ccTRBError)
		}
	})
}

func TestTransferRingUnsupportedTRB(t *testing.T) {
	t.Run("control ring", func(t *testing.T) {
		h := newHarness(t, new(testDevice), 16)
		h.nextEvent()
		h.enableAndAddress(testXferRing)

		encodeTRB(TRB{
			Control: trbNormal<<10 | trbIOC | trbCycle,
		}, h.mem[testXferRing:])

		h.barWrite32(dbBase+4, 1)

		ev := h.nextEvent()
		if ev.Type() != trbTransferEvent {
			t.Fatalf("event type = %d, want %d", ev.Type(), trbTransferEvent)
		}

		if code := ev.Status >> 24; code != ccTRBError {
			t.Errorf("completion code = %d, want %d", code, ccTRBError)
		}

		if ev.Parameter != testXferRing {
			t.Errorf("event points at %#x, want %#x", ev.Parameter, uint64(testXferRing))
		}
	})

	t.Run("bulk ring", func(t *testing.T) {
		const dci = 3

		h := newHarness(t, new(testDevice), 16)
		h.nextEvent()
		h.enableAndAddress(testXferRing)
		binary.LittleEndian.PutUint64(
			h.mem[testDevCtx+dci*contextSize+epCtxDequeue:], testXferRing2|1)

		encodeTRB(TRB{
			Control: trbSetupStage<<10 | trbCycle,
		}, h.mem[testXferRing2:])

		h.barWrite32(dbBase+4, dci)

		if code := h.nextEvent().Status >> 24; code != ccTRBError {
			t.Errorf("completion code = %d, want %d", code, ccTRBError)
		}
	})
}

func TestRegionAccessOverflow(t *testing.T) {
	h := newHarness(t, nil, 16)

	var p [8]byte
	if err := h.c.RegionRead(vfio.RegionBAR0, ^uint64(0)-3, p[:]); err == nil {
		t.Error("read past the end of the bar succeeded")
	}

	if err := h.c.RegionWrite(vfio.RegionConfig, ^uint64(0)-3, p[:4]); err == nil {
		t.Error("write past the end of config space succeeded")
	}
}
