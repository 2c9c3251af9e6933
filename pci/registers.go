// Package pci emulates the configuration space of a single PCI function.
package pci

import (
	"encoding/binary"
	"log/slog"
)

var le = binary.LittleEndian

// RegisterSet is a block of byte-granular emulated registers. Every byte
// carries a write mask and a write-1-to-clear mask, so read-only fields,
// partially writable fields and status bits that clear on write can live in
// one contiguous region. Reads and writes beyond the set are clamped and
// logged rather than panicking: the offsets come from the guest.
type RegisterSet struct {
	data []byte
	rw   []byte
	w1c  []byte
}

// NewRegisterSet returns a fully read-only, zeroed register set of the given
// size in bytes.
func NewRegisterSet(size int) *RegisterSet {
	return &RegisterSet{
		data: make([]byte, size),
		rw:   make([]byte, size),
		w1c:  make([]byte, size),
	}
}

// Size returns the size of the register set in bytes.
func (s *RegisterSet) Size() int {
	return len(s.data)
}

func (s *RegisterSet) init(off int, value, rwMask, w1cMask []byte) {
	copy(s.data[off:], value)
	copy(s.rw[off:], rwMask)
	copy(s.w1c[off:], w1cMask)
}

// PutRO places read-only bytes at off.
func (s *RegisterSet) PutRO(off int, value ...byte) {
	s.init(off, value, make([]byte, len(value)), make([]byte, len(value)))
}

// PutUint8 places a byte register at off with the given writable bits.
func (s *RegisterSet) PutUint8(off int, value, rwMask byte) {
	s.init(off, []byte{value}, []byte{rwMask}, []byte{0})
}

// PutUint16 places a little-endian 16-bit register at off with the given
// writable bits.
func (s *RegisterSet) PutUint16(off int, value, rwMask uint16) {
	s.init(off, le16(value), le16(rwMask), le16(0))
}

// PutUint32 places a little-endian 32-bit register at off with the given
// writable bits.
func (s *RegisterSet) PutUint32(off int, value, rwMask uint32) {
	s.init(off, le32(value), le32(rwMask), le32(0))
}

// PutUint64 places a little-endian 64-bit register at off with the given
// writable bits.
func (s *RegisterSet) PutUint64(off int, value, rwMask uint64) {
	s.init(off, le64(value), le64(rwMask), le64(0))
}

// PutW1C32 places a little-endian 32-bit register at off whose w1cMask bits
// clear when written with a 1. The remaining bits are read-only.
func (s *RegisterSet) PutW1C32(off int, value, w1cMask uint32) {
	s.init(off, le32(value), le32(0), le32(w1cMask))
}

// Read returns size bytes at off as a little-endian value. Out-of-range
// reads return all bits set, like a floating bus.
func (s *RegisterSet) Read(off, size int) uint64 {
	if size > 8 || off < 0 || off+size > len(s.data) {
		slog.Debug("register read out of range", "off", off, "size", size)
		return ^uint64(0) >> (64 - 8*min(size, 8))
	}

	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(s.data[off+i])
	}

	return v
}

// Write stores a little-endian value of the given size at off, honoring each
// byte's write and write-1-to-clear masks. Read-only bits are silently
// preserved. Out-of-range writes are dropped.
func (s *RegisterSet) Write(off, size int, v uint64) {
	if size > 8 || off < 0 || off+size > len(s.data) {
		slog.Debug("register write out of range", "off", off, "size", size)
		return
	}

	for i := 0; i < size; i++ {
		b := byte(v >> (8 * i))
		cur := s.data[off+i]
		next := cur&^s.rw[off+i] | b&s.rw[off+i]
		next &^= b & s.w1c[off+i]
		s.data[off+i] = next
	}
}

// SetRO overwrites register content directly, bypassing write masks. It is
// for device-side state changes (status bits the guest can only observe).
func (s *RegisterSet) SetRO(off int, value ...byte) {
	copy(s.data[off:], value)
}

// PutRegisterSet embeds sub at off, carrying its write masks along.
func (s *RegisterSet) PutRegisterSet(off int, sub *RegisterSet) {
	s.init(off, sub.data, sub.rw, sub.w1c)
}

func le16(v uint16) []byte { b := make([]byte, 2); le.PutUint16(b, v); return b }
func le32(v uint32) []byte { b := make([]byte, 4); le.PutUint32(b, v); return b }
func le64(v uint64) []byte { b := make([]byte, 8); le.PutUint64(b, v); return b }
