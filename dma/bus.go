// Package dma gives the device model access to guest memory. The hypervisor
// registers guest-physical address ranges backed by shared memory; reads and
// writes are routed to the covering region.
package dma

import (
	"encoding/binary"
	"errors"
	"log/slog"
)

// Bus maps guest-physical addresses to host memory. Regions never overlap.
// Registration and access are not synchronized here: the caller serializes
// them (the device frontend holds one lock across both paths).
type Bus struct {
	regions []*Region
}

// Region is a contiguous range of guest-physical address space backed by
// host-accessible memory, usually an mmap of a file descriptor received from
// the hypervisor.
type Region struct {
	Addr uint64
	Size uint64

	mem      []byte
	writable bool
	unmap    func() error
}

var (
	ErrUnmapped    = errors.New("dma: address is not mapped")
	ErrOutOfBounds = errors.New("dma: access is not contained in a single region")
	ErrOverlap     = errors.New("dma: region overlaps an existing region")
	ErrNotFound    = errors.New("dma: no region with the given address and size")
)

var le = binary.LittleEndian

// NewRegion wraps mem as a region at guest-physical addr. The unmap callback,
// if non-nil, is called when the region is removed from the bus.
func NewRegion(addr uint64, mem []byte, writable bool, unmap func() error) *Region {
	return &Region{
		Addr:     addr,
		Size:     uint64(len(mem)),
		mem:      mem,
		writable: writable,
		unmap:    unmap,
	}
}

// contains reports whether the wrapping interval [addr, addr+size) lies
// entirely inside the region. Offsets are computed mod 2^64: a region placed
// at the top of the address space covers addresses that wrap past zero,
// which is how a physical controller's address math behaves.
func (r *Region) contains(addr, size uint64) bool {
	off := addr - r.Addr
	return off < r.Size && size <= r.Size-off
}

// overlaps reports whether two regions share any address.
func (r *Region) overlaps(o *Region) bool {
	return r.contains(o.Addr, 1) || o.contains(r.Addr, 1)
}

// Map registers a region. It fails with ErrOverlap if any address of the new
// region is already covered.
func (b *Bus) Map(r *Region) error {
	for _, have := range b.regions {
		if have.overlaps(r) {
			return ErrOverlap
		}
	}

	b.regions = append(b.regions, r)
	slog.Debug("dma map", "addr", r.Addr, "size", r.Size, "writable", r.writable)

	return nil
}

// Unmap removes the region registered with the given address and size and
// releases its backing memory.
func (b *Bus) Unmap(addr, size uint64) error {
	for i, r := range b.regions {
		if r.Addr != addr || r.Size != size {
			continue
		}

		b.regions = append(b.regions[:i], b.regions[i+1:]...)
		slog.Debug("dma unmap", "addr", addr, "size", size)

		if r.unmap != nil {
			return r.unmap()
		}

		return nil
	}

	return ErrNotFound
}

// UnmapAll removes every region. It is called on device reset and shutdown.
func (b *Bus) UnmapAll() {
	for _, r := range b.regions {
		if r.unmap != nil {
			if err := r.unmap(); err != nil {
				slog.Error("dma unmap failed", "addr", r.Addr, "err", err)
			}
		}
	}

	b.regions = nil
}

// find returns the region fully containing the wrapping interval
// [addr, addr+size). It fails with ErrUnmapped if no region covers addr, and
// with ErrOutOfBounds if a region covers addr but not the whole interval.
// An access is never split across regions.
func (b *Bus) find(addr, size uint64) (*Region, error) {
	for _, r := range b.regions {
		if r.contains(addr, size) {
			return r, nil
		}

		if r.contains(addr, 1) {
			return nil, ErrOutOfBounds
		}
	}

	return nil, ErrUnmapped
}

// ReadAt copies len(p) bytes of guest memory at addr into p.
func (b *Bus) ReadAt(addr uint64, p []byte) error {
	r, err := b.find(addr, uint64(len(p)))
	if err != nil {
		return err
	}

	copy(p, r.mem[addr-r.Addr:])
	return nil
}

// WriteAt copies p into guest memory at addr. Writes to a read-only region
// are dropped without error, like writes to write-protected RAM.
func (b *Bus) WriteAt(addr uint64, p []byte) error {
	r, err := b.find(addr, uint64(len(p)))
	if err != nil {
		return err
	}

	if !r.writable {
		slog.Debug("dma write to read-only region dropped", "addr", addr, "len", len(p))
		return nil
	}

	copy(r.mem[addr-r.Addr:], p)
	return nil
}

// ReadUint32 reads a little-endian 32-bit value from guest memory.
func (b *Bus) ReadUint32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := b.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}

	return le.Uint32(buf[:]), nil
}

// ReadUint64 reads a little-endian 64-bit value from guest memory.
func (b *Bus) ReadUint64(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := b.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}

	return le.Uint64(buf[:]), nil
}

// WriteUint32 writes a little-endian 32-bit value to guest memory.
func (b *Bus) WriteUint32(addr uint64, v uint32) error {
	var buf [4]byte
	le.PutUint32(buf[:], v)
	return b.WriteAt(addr, buf[:])
}

// WriteUint64 writes a little-endian 64-bit value to guest memory.
func (b *Bus) WriteUint64(addr uint64, v uint64) error {
	var buf [8]byte
	le.PutUint64(buf[:], v)
	return b.WriteAt(addr, buf[:])
}
