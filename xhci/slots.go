package xhci

import (
	"fmt"

	"github.com/c35s/xhcid/dma"
)

// Contexts are 32 bytes (CSZ=0). A device context is a slot context
// followed by endpoint contexts for DCIs 1-31. An input context prepends
// an input control context.
const (
	contextSize = 32
	maxDCI      = 31
)

// endpoint context field offsets
const (
	epCtxDequeue = 8 // 64-bit TR dequeue pointer, bit 0 is the cycle state
)

// slot context field offsets
const (
	slotCtxInfo2 = 4 // root hub port number in bits 16-23
)

// slot tracks one device slot. Context state lives in guest memory at the
// address the guest published through the DCBAA; the slot only remembers
// which root hub port it was addressed to.
type slot struct {
	enabled bool
	port    int // 1-based, 0 until the slot is addressed
}

// slotManager owns the device slot table and resolves slot IDs to their
// guest-memory device contexts through the DCBAA.
type slotManager struct {
	mem    *dma.Bus
	dcbaap uint64
	slots  [NumSlots + 1]slot // index 0 unused, slot IDs are 1-based
}

func (m *slotManager) reset() {
	*m = slotManager{}
}

// enable reserves the lowest free slot and returns its 1-based ID, or 0
// if all slots are in use.
func (m *slotManager) enable() int {
	for id := 1; id <= NumSlots; id++ {
		if !m.slots[id].enabled {
			m.slots[id] = slot{enabled: true}
			return id
		}
	}

	return 0
}

// disable releases a slot. Disabling a free slot is not an error.
func (m *slotManager) disable(id int) {
	if id >= 1 && id <= NumSlots {
		m.slots[id] = slot{}
	}
}

// get returns the slot for a 1-based ID, or nil if the ID is out of range
// or the slot is disabled.
func (m *slotManager) get(id int) *slot {
	if id < 1 || id > NumSlots || !m.slots[id].enabled {
		return nil
	}

	return &m.slots[id]
}

// contextBase reads the device context base address for a slot from the
// DCBAA.
func (m *slotManager) contextBase(id int) (uint64, error) {
	addr, err := m.mem.ReadUint64(m.dcbaap + 8*uint64(id))
	if err != nil {
		return 0, fmt.Errorf("xhci: read dcbaa entry %d: %w", id, err)
	}

	return addr &^ 0x3f, nil
}

// endpointContext returns the guest address of the endpoint context for a
// DCI in a slot's device context.
func (m *slotManager) endpointContext(id, dci int) (uint64, error) {
	base, err := m.contextBase(id)
	if err != nil {
		return 0, err
	}

	return base + uint64(dci)*contextSize, nil
}

// addressDevice copies the slot and default control endpoint contexts from
// the input context at inputCtx into the slot's device context, and
// records the root hub port the guest bound the slot to. It returns the
// 1-based port number.
func (m *slotManager) addressDevice(id int, inputCtx uint64) (int, error) {
	base, err := m.contextBase(id)
	if err != nil {
		return 0, err
	}

	// input control context is at offset 0, slot context at contextSize
	if err := m.copyContexts(inputCtx+contextSize, base, 2); err != nil {
		return 0, err
	}

	info, err := m.mem.ReadUint32(base + slotCtxInfo2)
	if err != nil {
		return 0, fmt.Errorf("xhci: read slot context: %w", err)
	}

	port := int(info >> 16 & 0xff)
	m.slots[id].port = port

	return port, nil
}

// configureEndpoints copies the endpoint contexts named by the input
// control context's add flags from the input context into the slot's
// device context.
func (m *slotManager) configureEndpoints(id int, inputCtx uint64) error {
	base, err := m.contextBase(id)
	if err != nil {
		return err
	}

	add, err := m.mem.ReadUint32(inputCtx + 4)
	if err != nil {
		return fmt.Errorf("xhci: read input control context: %w", err)
	}

	for dci := 0; dci <= maxDCI; dci++ {
		if add&(1<<dci) == 0 {
			continue
		}

		src := inputCtx + contextSize + uint64(dci)*contextSize
		dst := base + uint64(dci)*contextSize

		if err := m.copyContexts(src, dst, 1); err != nil {
			return err
		}
	}

	return nil
}

// transferRing loads the transfer ring consumer state from an endpoint
// context.
func (m *slotManager) transferRing(id, dci int) (*consumerRing, uint64, error) {
	ctx, err := m.endpointContext(id, dci)
	if err != nil {
		return nil, 0, err
	}

	dq, err := m.mem.ReadUint64(ctx + epCtxDequeue)
	if err != nil {
		return nil, 0, fmt.Errorf("xhci: read endpoint context: %w", err)
	}

	ring := &consumerRing{
		mem:     m.mem,
		dequeue: dq &^ 0xf,
		cycle:   dq&1 != 0,
	}

	return ring, ctx, nil
}

// saveTransferRing writes the consumer state back to an endpoint context
// so it survives between doorbell rings.
func (m *slotManager) saveTransferRing(ctx uint64, ring *consumerRing) error {
	dq := ring.dequeue
	if ring.cycle {
		dq |= 1
	}

	if err := m.mem.WriteUint64(ctx+epCtxDequeue, dq); err != nil {
		return fmt.Errorf("xhci: write endpoint context: %w", err)
	}

	return nil
}

// setTRDequeue points an endpoint's transfer ring at a new dequeue
// pointer. The pointer carries the cycle state in bit 0.
func (m *slotManager) setTRDequeue(id, dci int, ptr uint64) error {
	ctx, err := m.endpointContext(id, dci)
	if err != nil {
		return err
	}

	if err := m.mem.WriteUint64(ctx+epCtxDequeue, ptr); err != nil {
		return fmt.Errorf("xhci: write endpoint context: %w", err)
	}

	return nil
}

func (m *slotManager) copyContexts(src, dst uint64, n int) error {
	buf := make([]byte, n*contextSize)
	if err := m.mem.ReadAt(src, buf); err != nil {
		return fmt.Errorf("xhci: read context at %#x: %w", src, err)
	}

	if err := m.mem.WriteAt(dst, buf); err != nil {
		return fmt.Errorf("xhci: write context at %#x: %w", dst, err)
	}

	return nil
}
