package pci

// Standard configuration space offsets.
const (
	offVendor    = 0x00
	offDevice    = 0x02
	offCommand   = 0x04
	offStatus    = 0x06
	offRevision  = 0x08
	offProgIF    = 0x09
	offSubclass  = 0x0a
	offClass     = 0x0b
	offCacheLine = 0x0c
	offHeader    = 0x0e
	offBAR0      = 0x10
	offCapPtr    = 0x34
	offIRQLine   = 0x3c
	offIRQPin    = 0x3d
)

const (
	// ConfigSpaceSize is the size of a type-0 function's config space.
	ConfigSpaceSize = 256

	// capability allocation starts in the device-specific area
	firstCapOffset = 0x40

	commandWritableBits = 0x077f
	commandMemoryEnable = 1 << 1

	statusCapabilities = 1 << 4

	capIDMSIX = 0x11

	msixControlEnable       = 1 << 15
	msixControlFunctionMask = 1 << 14
	msixControlWritableBits = msixControlEnable | msixControlFunctionMask

	numBARs = 6
)

// Well-known vendor and device IDs.
const (
	VendorRedHat     = 0x1b36
	DeviceRedHatXHCI = 0x000d
)

// USB host controller class code.
const (
	ClassSerialBus = 0x0c
	SubclassUSB    = 0x03
	ProgIFUSB3XHCI = 0x30
)

// BARInfo describes a configured memory BAR.
type BARInfo struct {
	Size uint32
}

// ConfigSpace emulates the 256-byte configuration space of one PCI function:
// identifiers, command/status, BARs with address sizing, and a capability
// chain anchored at 0x34.
type ConfigSpace struct {
	regs    *RegisterSet
	bars    [numBARs]*BARInfo
	lastCap int
	nextCap int
	msixCap int
}

// NewConfigSpace creates a config space with the given identifiers and
// default behavior for the standard fields. Class codes default to 0xff
// (unassigned) until SetClass is called.
func NewConfigSpace(vendor, device uint16) *ConfigSpace {
	regs := NewRegisterSet(ConfigSpaceSize)

	regs.PutUint16(offVendor, vendor, 0)
	regs.PutUint16(offDevice, device, 0)
	regs.PutUint16(offCommand, 0, commandWritableBits)
	regs.PutUint16(offStatus, 0, 0)
	regs.PutRO(offRevision, 0)
	regs.PutRO(offProgIF, 0xff)
	regs.PutRO(offSubclass, 0xff)
	regs.PutRO(offClass, 0xff)
	regs.PutUint8(offCacheLine, 0, 0xff)
	regs.PutRO(offHeader, 0)

	// firmware writes the routed line here at boot; 0xff means none
	regs.PutUint8(offIRQLine, 0xff, 0xff)
	regs.PutRO(offIRQPin, 0)

	return &ConfigSpace{
		regs:    regs,
		lastCap: offCapPtr,
		nextCap: firstCapOffset,
	}
}

// SetClass sets the class, subclass, and programming interface fields.
func (c *ConfigSpace) SetClass(class, subclass, progIF byte) {
	c.regs.PutRO(offClass, class)
	c.regs.PutRO(offSubclass, subclass)
	c.regs.PutRO(offProgIF, progIF)
}

// AddMemBAR32 configures BAR index as a 32-bit non-prefetchable memory BAR of
// the given size. Size must be a power of two; the guest sizes the BAR by
// writing all-ones and reading back the hardwired low bits.
func (c *ConfigSpace) AddMemBAR32(index int, size uint32) {
	if index < 0 || index >= numBARs || c.bars[index] != nil {
		panic("bad BAR index")
	}

	if size < 16 || size&(size-1) != 0 {
		panic("BAR size must be a power of two >= 16")
	}

	c.regs.PutUint32(offBAR0+4*index, 0, ^(size - 1))
	c.bars[index] = &BARInfo{Size: size}
}

// BAR returns info about a configured BAR, or nil.
func (c *ConfigSpace) BAR(index int) *BARInfo {
	if index < 0 || index >= numBARs {
		return nil
	}

	return c.bars[index]
}

// AddCapability appends a capability to the chain anchored at 0x34. The body
// must not include the 2-byte header, which is added here. It returns the
// config-space offset of the new capability.
func (c *ConfigSpace) AddCapability(id byte, body *RegisterSet) int {
	off := c.nextCap
	end := off + 2 + body.Size()
	if end > ConfigSpaceSize {
		panic("capability does not fit in config space")
	}

	// link the previous pointer to the new capability
	c.regs.SetRO(c.lastCap, byte(off))
	c.regs.PutRO(off, id, 0)
	c.regs.PutRegisterSet(off+2, body)

	c.regs.SetRO(offStatus, statusCapabilities)
	c.lastCap = off + 1
	c.nextCap = (end + 3) &^ 3

	return off
}

// AddMSIX adds an MSI-X capability advertising the given number of vectors,
// with the vector table and pending-bit array in the BAR at barIndex at the
// given offsets. Offsets must be 8-byte aligned.
func (c *ConfigSpace) AddMSIX(vectors int, barIndex int, tableOffset, pbaOffset uint32) {
	if vectors < 1 || vectors > 2048 {
		panic("bad MSI-X vector count")
	}

	if tableOffset&7 != 0 || pbaOffset&7 != 0 {
		panic("unaligned MSI-X table")
	}

	if c.bars[barIndex] == nil {
		panic("MSI-X table BAR is not configured")
	}

	body := NewRegisterSet(10)
	body.PutUint16(0, uint16(vectors-1), msixControlWritableBits)
	body.PutUint32(2, tableOffset|uint32(barIndex), 0)
	body.PutUint32(6, pbaOffset|uint32(barIndex), 0)

	c.msixCap = c.AddCapability(capIDMSIX, body)
}

// Read returns size bytes of config space at off as a little-endian value.
func (c *ConfigSpace) Read(off, size int) uint64 {
	return c.regs.Read(off, size)
}

// Write stores size bytes at off, honoring per-bit write masks: identifiers
// and pointers are read-only, command-register enable bits are writable, and
// writes to read-only bits are silently masked like on physical hardware.
func (c *ConfigSpace) Write(off, size int, v uint64) {
	c.regs.Write(off, size, v)
}

// MemoryEnabled reports whether the command register's memory-space enable
// bit is set. MMIO access to the device's BAR is gated on it.
func (c *ConfigSpace) MemoryEnabled() bool {
	return c.regs.Read(offCommand, 2)&commandMemoryEnable != 0
}

// MSIXEnabled reports whether the MSI-X capability is present, enabled, and
// not function-masked.
func (c *ConfigSpace) MSIXEnabled() bool {
	if c.msixCap == 0 {
		return false
	}

	ctl := c.regs.Read(c.msixCap+2, 2)
	return ctl&msixControlEnable != 0 && ctl&msixControlFunctionMask == 0
}
