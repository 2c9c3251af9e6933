package pci

// MSIXEntrySize is the size of one MSI-X table entry in bytes.
const MSIXEntrySize = 16

const msixEntryMasked = 1 << 0

// MSIMessage is the address/data pair the device would write to signal one
// MSI-X vector. With vfio-user the hypervisor signals vectors through an
// eventfd instead, but the table content still has to be readable and
// writable, and the per-vector mask bit still gates delivery.
type MSIMessage struct {
	Addr uint64
	Data uint32
}

// MSIXTable emulates the MSI-X vector table that lives in one of the
// device's memory BARs.
type MSIXTable struct {
	regs *RegisterSet
}

// NewMSIXTable returns a table for the given number of vectors, all masked,
// as after reset.
func NewMSIXTable(vectors int) *MSIXTable {
	regs := NewRegisterSet(vectors * MSIXEntrySize)

	for v := 0; v < vectors; v++ {
		off := v * MSIXEntrySize
		regs.PutUint64(off, 0, ^uint64(0))
		regs.PutUint32(off+8, 0, ^uint32(0))
		regs.PutUint32(off+12, msixEntryMasked, ^uint32(0))
	}

	return &MSIXTable{regs: regs}
}

// Size returns the table size in bytes.
func (t *MSIXTable) Size() int {
	return t.regs.Size()
}

// Vectors returns the number of vectors in the table.
func (t *MSIXTable) Vectors() int {
	return t.regs.Size() / MSIXEntrySize
}

// Read handles an MMIO read of the table.
func (t *MSIXTable) Read(off, size int) uint64 {
	return t.regs.Read(off, size)
}

// Write handles an MMIO write to the table.
func (t *MSIXTable) Write(off, size int, v uint64) {
	t.regs.Write(off, size, v)
}

// Vector returns the message for a vector and whether it is masked.
func (t *MSIXTable) Vector(v int) (msg MSIMessage, masked bool) {
	off := v * MSIXEntrySize
	msg.Addr = t.regs.Read(off, 8)
	msg.Data = uint32(t.regs.Read(off+8, 4))
	masked = t.regs.Read(off+12, 4)&msixEntryMasked != 0

	return
}
