package xhci

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/c35s/xhcid/dma"
	"github.com/c35s/xhcid/pci"
	"github.com/c35s/xhcid/usb"
)

var le = binary.LittleEndian

// Config configures a Controller.
type Config struct {
	// Devices are attached to root hub ports in order, starting at
	// port 1.
	Devices []*usb.Bridge

	// Log is used for debug logging. If nil, slog.Default() is used.
	Log *slog.Logger
}

// port is one root hub port. The attached device never changes after
// setup; PORTSC carries the guest-visible state.
type port struct {
	dev    *usb.Bridge
	portsc uint32
}

// Controller emulates an XHCI host controller as a PCI function. All
// guest-facing entry points serialize on a single mutex: register access,
// DMA mapping updates, and transfer execution never overlap.
type Controller struct {
	mu  sync.Mutex
	log *slog.Logger

	cfg  *pci.ConfigSpace
	msix *pci.MSIXTable
	mem  *dma.Bus
	irq  func() error

	ports [NumPorts + 1]*port // 1-based

	usbcmd uint32
	usbsts uint32
	dnctrl uint32
	config uint32

	crcr       uint64
	cmdRing    consumerRing
	cmdRunning bool

	dcbaap uint64
	slots  slotManager

	iman   uint32
	imod   uint32
	erstsz uint32
	erstba uint64
	erdp   uint64
	events eventRing
}

// New returns a Controller with the given devices attached to its root
// hub ports. It panics if more devices are given than the root hub has
// ports.
func New(cfg Config) *Controller {
	if len(cfg.Devices) > NumPorts {
		panic("xhci: too many devices")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	c := &Controller{
		log:  log,
		mem:  new(dma.Bus),
		msix: pci.NewMSIXTable(numInterrupters),
	}

	space := pci.NewConfigSpace(pci.VendorRedHat, pci.DeviceRedHatXHCI)
	space.SetClass(pci.ClassSerialBus, pci.SubclassUSB, pci.ProgIFUSB3XHCI)
	space.AddMemBAR32(0, BARSize)
	space.AddMSIX(numInterrupters, 0, msixBase, pbaBase)
	c.cfg = space

	for i, dev := range cfg.Devices {
		c.ports[i+1] = &port{dev: dev}
	}

	c.reset()

	return c
}

// reset returns the register file, rings, and slots to their power-on
// state. Attached devices stay attached, with their connect status
// change bits set so the guest re-enumerates them.
func (c *Controller) reset() {
	c.usbcmd = 0
	c.usbsts = stsHCHalted
	c.dnctrl = 0
	c.config = 0
	c.crcr = 0
	c.cmdRing = consumerRing{}
	c.cmdRunning = false
	c.dcbaap = 0
	c.slots.reset()
	c.iman = 0
	c.imod = 0
	c.erstsz = 0
	c.erstba = 0
	c.erdp = 0
	c.events.reset()

	for _, p := range c.ports {
		if p == nil {
			continue
		}

		p.portsc = portPP
		if p.dev != nil {
			p.portsc |= portCCS | portCSC | portSpeed(p.dev.Speed())<<portSpeedShift
		}
	}
}

// putLE and getLE convert between byte buffers and register values for
// accesses of 1 to 8 bytes.
func putLE(p []byte, v uint64) {
	for i := range p {
		p[i] = byte(v >> (8 * i))
	}
}

func getLE(p []byte) uint64 {
	var v uint64
	for i := range p {
		v |= uint64(p[i]) << (8 * i)
	}

	return v
}

func portSpeed(s usb.Speed) uint32 {
	switch s {
	case usb.SpeedLow:
		return SpeedLow
	case usb.SpeedHigh:
		return SpeedHigh
	case usb.SpeedSuper:
		return SpeedSuper
	default:
		return SpeedFull
	}
}

// barRead handles an MMIO read from the controller's BAR. Reads are
// returned as all ones while memory decoding is disabled in the PCI
// command register.
func (c *Controller) barRead(off uint64, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.MemoryEnabled() {
		for i := range p {
			p[i] = 0xff
		}

		return
	}

	if off >= msixBase && off+uint64(len(p)) <= msixBase+uint64(c.msix.Size()) {
		putLE(p, c.msix.Read(int(off-msixBase), len(p)))
		return
	}

	switch len(p) {
	case 4:
		le.PutUint32(p, c.readReg(off))
	case 8:
		le.PutUint64(p, uint64(c.readReg(off))|uint64(c.readReg(off+4))<<32)
	default:
		c.log.Debug("unhandled mmio read size", "offset", off, "size", len(p))
		for i := range p {
			p[i] = 0
		}
	}
}

// barWrite handles an MMIO write to the controller's BAR. Writes are
// dropped while memory decoding is disabled.
func (c *Controller) barWrite(off uint64, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.MemoryEnabled() {
		return
	}

	if off >= msixBase && off+uint64(len(p)) <= msixBase+uint64(c.msix.Size()) {
		c.msix.Write(int(off-msixBase), len(p), getLE(p))
		return
	}

	switch len(p) {
	case 4:
		c.writeReg(off, le.Uint32(p))
	case 8:
		c.writeReg(off, le.Uint32(p))
		c.writeReg(off+4, le.Uint32(p[4:]))
	default:
		c.log.Debug("unhandled mmio write size", "offset", off, "size", len(p))
	}
}

func (c *Controller) readReg(off uint64) uint32 {
	if off >= portsBase && off < portsBase+NumPorts*0x10 {
		id := int(off-portsBase)/0x10 + 1
		if (off-portsBase)%0x10 == 0 {
			return c.portsc(id)
		}

		return 0
	}

	switch off {
	case regCapLength:
		return opBase | hciVersion<<16
	case regHCSParams1:
		return NumSlots | numInterrupters<<8 | NumPorts<<24
	case regHCCParams1:
		return 1 // AC64, 64-bit addressing
	case regDBOff:
		return dbBase
	case regRTSOff:
		return rtBase
	case regUSBCmd:
		return c.usbcmd
	case regUSBSts:
		return c.usbsts
	case regPageSize:
		return 1 // 4 KiB
	case regDNCtrl:
		return c.dnctrl
	case regCRCR:
		// the pointer and cycle state always read as zero
		if c.cmdRunning {
			return crcrCRR
		}

		return 0
	case regDCBAAP:
		return uint32(c.dcbaap)
	case regDCBAAP + 4:
		return uint32(c.dcbaap >> 32)
	case regConfig:
		return c.config
	case regIMan:
		return c.iman
	case regIMod:
		return c.imod
	case regERSTSz:
		return c.erstsz
	case regERSTBA:
		return uint32(c.erstba)
	case regERSTBA + 4:
		return uint32(c.erstba >> 32)
	case regERDP:
		return uint32(c.erdp)
	case regERDP + 4:
		return uint32(c.erdp >> 32)
	}

	return 0
}

func (c *Controller) writeReg(off uint64, v uint32) {
	if off >= portsBase && off < portsBase+NumPorts*0x10 {
		if (off-portsBase)%0x10 == 0 {
			c.writePortSC(int(off-portsBase)/0x10+1, v)
		}

		return
	}

	if off >= dbBase && off < dbBase+(NumSlots+1)*4 {
		c.ringDoorbell(int(off-dbBase)/4, v)
		return
	}

	switch off {
	case regUSBCmd:
		c.writeUSBCmd(v)

	case regUSBSts:
		c.usbsts &^= v & stsW1CBits

	case regDNCtrl:
		c.dnctrl = v

	case regCRCR:
		c.crcr = c.crcr&^0xffffffff | uint64(v)

	case regCRCR + 4:
		c.crcr = c.crcr&0xffffffff | uint64(v)<<32
		c.cmdRing = consumerRing{
			mem:     c.mem,
			dequeue: c.crcr & crcrPointerMask,
			cycle:   c.crcr&crcrRCS != 0,
		}

	case regDCBAAP:
		c.dcbaap = c.dcbaap&^0xffffffff | uint64(v)

	case regDCBAAP + 4:
		c.dcbaap = c.dcbaap&0xffffffff | uint64(v)<<32
		c.slots.mem = c.mem
		c.slots.dcbaap = c.dcbaap &^ 0x3f

	case regConfig:
		c.config = v

	case regIMan:
		c.iman = c.iman&^imanIE | v&imanIE
		c.iman &^= v & imanIP

	case regIMod:
		c.imod = v

	case regERSTSz:
		c.erstsz = v

	case regERSTBA:
		c.erstba = c.erstba&^0xffffffff | uint64(v)

	case regERSTBA + 4:
		c.erstba = c.erstba&0xffffffff | uint64(v)<<32
		if err := c.events.configure(c.mem, c.erstba&^0x3f); err != nil {
			c.log.Error("configure event ring", "error", err)
		}

	case regERDP:
		c.erdp = c.erdp&^0xffffffff | uint64(v)

	case regERDP + 4:
		c.erdp = c.erdp&0xffffffff | uint64(v)<<32
		wrote, err := c.events.setDequeue(c.erdp)
		if err != nil {
			c.hostControllerError(err)
		} else if wrote {
			c.raiseInterrupt()
		}

	default:
		c.log.Debug("unhandled register write", "offset", off, "value", v)
	}
}

func (c *Controller) writeUSBCmd(v uint32) {
	if v&cmdHCReset != 0 {
		c.log.Info("host controller reset")
		c.reset()
		return
	}

	was := c.usbcmd
	c.usbcmd = v & cmdWritableBits

	if v&cmdRunStop != 0 {
		c.usbsts &^= stsHCHalted
	} else {
		c.usbsts |= stsHCHalted
	}

	// announce connected ports when the controller starts running
	if was&cmdRunStop == 0 && v&cmdRunStop != 0 {
		for id, p := range c.ports {
			if p != nil && p.dev != nil {
				c.pushEvent(portStatusChangeEvent(id))
			}
		}
	}
}

func (c *Controller) portsc(id int) uint32 {
	p := c.ports[id]
	if p == nil {
		return portPP
	}

	return p.portsc
}

func (c *Controller) writePortSC(id int, v uint32) {
	p := c.ports[id]
	if p == nil {
		return
	}

	p.portsc &^= v & portW1CBits

	if v&portPR != 0 {
		if p.dev != nil {
			if err := p.dev.Reset(); err != nil {
				c.log.Warn("port reset", "port", id, "error", err)
			}

			p.portsc |= portPED
		}

		p.portsc |= portPRC
		c.usbsts |= stsPortChange
		c.pushEvent(portStatusChangeEvent(id))
	}
}

// pushEvent delivers an event to the guest's event ring and raises an
// interrupt if it was written. Deferred events raise their interrupt
// when the guest frees ring space.
func (c *Controller) pushEvent(ev TRB) {
	c.usbsts |= stsEventInt
	c.iman |= imanIP

	wrote, err := c.events.push(ev)
	if err != nil {
		c.hostControllerError(err)
		return
	}

	if wrote {
		c.raiseInterrupt()
	}
}

// hostControllerError halts the controller after an unrecoverable fault,
// like an event ring segment over unmapped memory. The guest sees HCE
// and HCHalted in USBSTS and must reset the controller to recover.
func (c *Controller) hostControllerError(err error) {
	c.log.Error("host controller error", "error", err)
	c.usbcmd &^= cmdRunStop
	c.usbsts |= stsHCHalted | stsHCE
}

// raiseInterrupt signals MSI-X vector 0 if every gate on the way agrees:
// USBCMD interrupter enable, IMAN interrupt enable, the PCI MSI-X enable
// bit, and the vector's own mask.
func (c *Controller) raiseInterrupt() {
	if c.usbcmd&cmdIntE == 0 || c.iman&imanIE == 0 {
		return
	}

	if !c.cfg.MSIXEnabled() {
		return
	}

	if _, masked := c.msix.Vector(0); masked {
		return
	}

	if c.irq == nil {
		return
	}

	if err := c.irq(); err != nil {
		c.log.Error("signal interrupt", "error", err)
	}
}
