// Package xhci emulates a USB 3 (XHCI) host controller: the PCI function,
// its MMIO register file, and the command, transfer, and event rings that
// guest drivers use to talk to it. Transfers are executed against real host
// USB devices through a bridge interface.
package xhci

// Geometry of the emulated controller. One BAR covers the capability,
// operational, runtime, doorbell, and port register sets plus the MSI-X
// table, laid out like the original hardware register file.
const (
	// BARSize is the size of the single MMIO BAR.
	BARSize = 0x10000

	opBase    = 0x68   // operational registers, reported in CAPLENGTH
	portsBase = 0x468  // port register sets, opBase + 0x400
	dbBase    = 0x2000 // doorbell array, reported in DBOFF
	rtBase    = 0x3000 // runtime registers, reported in RTSOFF
	msixBase  = 0x8000 // MSI-X table, referenced by the MSI-X capability
	pbaBase   = 0x8800 // MSI-X pending bit array

	// NumPorts is the number of root hub ports.
	NumPorts = 8

	// NumSlots is the number of device slots.
	NumSlots = 8

	// one interrupter: IRQs stay behind the signal-vector abstraction so
	// growing this does not reshape the ring or register code
	numInterrupters = 1

	hciVersion = 0x0110
)

// capability register offsets
const (
	regCapLength  = 0x00 // CAPLENGTH (1 byte) + reserved + HCIVERSION
	regHCSParams1 = 0x04
	regHCSParams2 = 0x08
	regHCSParams3 = 0x0c
	regHCCParams1 = 0x10
	regDBOff      = 0x14
	regRTSOff     = 0x18
	regHCCParams2 = 0x1c
)

// operational register offsets
const (
	regUSBCmd   = opBase + 0x00
	regUSBSts   = opBase + 0x04
	regPageSize = opBase + 0x08
	regDNCtrl   = opBase + 0x14
	regCRCR     = opBase + 0x18 // 64-bit
	regDCBAAP   = opBase + 0x30 // 64-bit
	regConfig   = opBase + 0x38
)

// runtime register offsets (interrupter 0)
const (
	regIMan   = rtBase + 0x20
	regIMod   = rtBase + 0x24
	regERSTSz = rtBase + 0x28
	regERSTBA = rtBase + 0x30 // 64-bit
	regERDP   = rtBase + 0x38 // 64-bit
)

// USBCMD bits
const (
	cmdRunStop = 1 << 0
	cmdHCReset = 1 << 1
	cmdIntE    = 1 << 2

	cmdWritableBits = cmdRunStop | cmdHCReset | cmdIntE
)

// USBSTS bits
const (
	stsHCHalted   = 1 << 0
	stsEventInt   = 1 << 3
	stsPortChange = 1 << 4
	stsHCE        = 1 << 12

	stsW1CBits = stsEventInt | stsPortChange
)

// CRCR bits
const (
	crcrRCS = 1 << 0 // ring cycle state
	crcrCS  = 1 << 1 // command stop
	crcrCA  = 1 << 2 // command abort
	crcrCRR = 1 << 3 // command ring running

	crcrPointerMask = ^uint64(0x3f)
)

// IMAN bits
const (
	imanIP = 1 << 0 // interrupt pending
	imanIE = 1 << 1 // interrupt enable
)

// PORTSC bits
const (
	portCCS = 1 << 0 // current connect status
	portPED = 1 << 1 // port enabled
	portPR  = 1 << 4 // port reset
	portPP  = 1 << 9 // port power

	portCSC = 1 << 17 // connect status change
	portPEC = 1 << 18 // port enable change
	portWRC = 1 << 19 // warm reset change
	portPRC = 1 << 21 // port reset change

	// change bits the guest acknowledges by writing 1
	portW1CBits = portCSC | portPEC | portPRC

	portSpeedShift = 10
)

// Port speed IDs as reported in PORTSC.
const (
	SpeedFull  = 1
	SpeedLow   = 2
	SpeedHigh  = 3
	SpeedSuper = 4
)
