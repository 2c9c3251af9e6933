// Package vfio implements the device side of the vfio-user protocol. A
// hypervisor connects to a Unix socket and drives an emulated PCI device
// through versioned request/reply messages, passing file descriptors for
// guest memory and interrupt eventfds as SCM_RIGHTS ancillary data.
package vfio

// message commands
const (
	msgVersion     = 1
	msgDMAMap      = 2
	msgDMAUnmap    = 3
	msgDeviceInfo  = 4
	msgRegionInfo  = 5
	msgIRQInfo     = 7
	msgSetIRQs     = 8
	msgRegionRead  = 9
	msgRegionWrite = 10
	msgDMARead     = 11
	msgDMAWrite    = 12
	msgDeviceReset = 13
	msgDirtyPages  = 14
)

// header flags
const (
	flagTypeCommand = 0x0
	flagTypeReply   = 0x1
	flagTypeMask    = 0xf
	flagNoReply     = 1 << 4
	flagError       = 1 << 5
)

const headerSize = 16

// header has the same layout as the 16-byte vfio-user message header.
// Size includes the header itself. Error holds an errno in error replies.
type header struct {
	MsgID   uint16
	Command uint16
	Size    uint32
	Flags   uint32
	Error   uint32
}

// version has the same layout as struct vfio_user_version. It is
// followed by JSON capability data.
type version struct {
	Major uint16
	Minor uint16
}

// negotiated protocol version
const (
	versionMajor = 0
	versionMinor = 1
)

// deviceInfo has the same layout as struct vfio_user_device_info.
type deviceInfo struct {
	Argsz      uint32
	Flags      uint32
	NumRegions uint32
	NumIRQs    uint32
}

// deviceInfo flags
const (
	deviceFlagReset = 1 << 0
	deviceFlagPCI   = 1 << 1
)

// regionInfo has the same layout as struct vfio_region_info.
type regionInfo struct {
	Argsz     uint32
	Flags     uint32
	Index     uint32
	CapOffset uint32
	Size      uint64
	Offset    uint64
}

// regionInfo flags
const (
	regionFlagRead  = 1 << 0
	regionFlagWrite = 1 << 1
	regionFlagMMap  = 1 << 2
)

// irqInfo has the same layout as struct vfio_irq_info.
type irqInfo struct {
	Argsz uint32
	Flags uint32
	Index uint32
	Count uint32
}

// irqInfo flags
const (
	irqFlagEventFD  = 1 << 0
	irqFlagNoresize = 1 << 2
)

// irqSet has the same layout as struct vfio_irq_set. Eventfds arrive as
// SCM_RIGHTS ancillary data.
type irqSet struct {
	Argsz uint32
	Flags uint32
	Index uint32
	Start uint32
	Count uint32
}

// irqSet flags
const (
	irqSetDataNone      = 1 << 0
	irqSetDataBool      = 1 << 1
	irqSetDataEventFD   = 1 << 2
	irqSetActionMask    = 1 << 3
	irqSetActionUnmask  = 1 << 4
	irqSetActionTrigger = 1 << 5
)

// dmaMap has the same layout as struct vfio_user_dma_map. The mapping's
// file descriptor arrives as SCM_RIGHTS ancillary data; Offset is the
// offset of the mapping in that file.
type dmaMap struct {
	Argsz  uint32
	Flags  uint32
	Offset uint64
	Addr   uint64
	Size   uint64
}

// dmaMap flags
const (
	dmaFlagRead  = 1 << 0
	dmaFlagWrite = 1 << 1
)

// dmaUnmap has the same layout as struct vfio_user_dma_unmap.
type dmaUnmap struct {
	Argsz uint32
	Flags uint32
	Addr  uint64
	Size  uint64
}

// regionAccess has the same layout as struct vfio_user_region_access.
// Write requests and read replies carry Count bytes of data after it.
type regionAccess struct {
	Offset uint64
	Region uint32
	Count  uint32
}

// maxAccessSize bounds the data carried by one region read or write.
const maxAccessSize = 4096

// VFIO PCI region indexes. BARs 0-5 map to regions 0-5; configuration
// space is region 7.
const (
	RegionBAR0   = 0
	RegionBAR1   = 1
	RegionBAR2   = 2
	RegionBAR3   = 3
	RegionBAR4   = 4
	RegionBAR5   = 5
	RegionROM    = 6
	RegionConfig = 7
	RegionVGA    = 8

	NumRegions = 9
)

// VFIO PCI interrupt indexes.
const (
	IRQIntX = 0
	IRQMSI  = 1
	IRQMSIX = 2
	IRQErr  = 3
	IRQReq  = 4

	NumIRQs = 5
)
