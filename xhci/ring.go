package xhci

import (
	"errors"
	"fmt"

	"github.com/c35s/xhcid/dma"
)

var (
	// errRingEmpty means the ring has no TRB owned by the controller at
	// its dequeue pointer.
	errRingEmpty = errors.New("xhci: ring empty")

	// errRingLoop means the ring chains link TRBs into each other.
	errRingLoop = errors.New("xhci: consecutive link trbs")
)

// eventRing writes event TRBs into the guest's event ring segment. Events
// that arrive while the ring is full are held back and delivered when the
// guest advances its dequeue pointer.
type eventRing struct {
	mem *dma.Bus

	base    uint64 // segment base, from the first segment table entry
	size    uint64 // segment size in TRBs
	enqueue uint64
	dequeue uint64
	cycle   bool
	dead    bool

	deferred []TRB
}

// configure loads the single-segment event ring state from the segment
// table at erstba. The guest writes ERSTBA after ERSTSZ, so this is the
// point where the ring becomes usable.
func (r *eventRing) configure(mem *dma.Bus, erstba uint64) error {
	base, err := mem.ReadUint64(erstba)
	if err != nil {
		return fmt.Errorf("xhci: read event ring segment base: %w", err)
	}

	size, err := mem.ReadUint32(erstba + 8)
	if err != nil {
		return fmt.Errorf("xhci: read event ring segment size: %w", err)
	}

	r.mem = mem
	r.base = base &^ 0x3f
	r.size = uint64(size & 0xffff)
	r.enqueue = r.base
	r.dequeue = r.base
	r.cycle = true

	return nil
}

// setDequeue records the guest's dequeue pointer from an ERDP write and
// flushes any deferred events into the space it freed. It reports whether
// any deferred event was delivered.
func (r *eventRing) setDequeue(erdp uint64) (bool, error) {
	r.dequeue = erdp &^ 0xf

	var wrote bool
	for !r.dead && len(r.deferred) > 0 && !r.full() {
		if err := r.write(r.deferred[0]); err != nil {
			r.fail()
			return wrote, err
		}

		r.deferred = r.deferred[1:]
		wrote = true
	}

	return wrote, nil
}

// full reports whether writing one more event would catch the enqueue
// pointer up to the guest's dequeue pointer.
func (r *eventRing) full() bool {
	next := r.enqueue + TRBSize
	if next == r.base+r.size*TRBSize {
		next = r.base
	}

	return next == r.dequeue
}

// push delivers an event TRB, deferring it if the ring is full or not yet
// configured. It reports whether the event was written to guest memory.
func (r *eventRing) push(ev TRB) (bool, error) {
	if r.dead {
		return false, nil
	}

	if r.size == 0 || r.full() || len(r.deferred) > 0 {
		r.deferred = append(r.deferred, ev)
		return false, nil
	}

	if err := r.write(ev); err != nil {
		r.fail()
		return false, err
	}

	return true, nil
}

func (r *eventRing) write(ev TRB) error {
	ev.Control &^= trbCycle
	if r.cycle {
		ev.Control |= trbCycle
	}

	var buf [TRBSize]byte
	encodeTRB(ev, buf[:])

	if err := r.mem.WriteAt(r.enqueue, buf[:]); err != nil {
		return fmt.Errorf("xhci: write event at %#x: %w", r.enqueue, err)
	}

	r.enqueue += TRBSize
	if r.enqueue == r.base+r.size*TRBSize {
		r.enqueue = r.base
		r.cycle = !r.cycle
	}

	return nil
}

// fail stops event delivery after a fault. The guest pointed the ring at
// bad memory; events are dropped until the controller is reset.
func (r *eventRing) fail() {
	r.dead = true
	r.deferred = nil
}

// reset drops all ring state, including deferred events.
func (r *eventRing) reset() {
	*r = eventRing{}
}

// consumerRing walks a guest-populated command or transfer ring, following
// link TRBs and stopping at the first TRB whose cycle bit does not match
// the consumer cycle state.
type consumerRing struct {
	mem     *dma.Bus
	dequeue uint64
	cycle   bool
}

// next fetches the TRB at the dequeue pointer. It returns errRingEmpty if
// the TRB is not owned by the controller yet, and the TRB's guest address
// otherwise. Link TRBs are followed transparently; a link pointing at
// another link fails with errRingLoop.
func (r *consumerRing) next() (TRB, uint64, error) {
	for links := 0; ; links++ {
		if links > 1 {
			return TRB{}, 0, errRingLoop
		}
		var buf [TRBSize]byte
		if err := r.mem.ReadAt(r.dequeue, buf[:]); err != nil {
			return TRB{}, 0, fmt.Errorf("xhci: read trb at %#x: %w", r.dequeue, err)
		}

		trb := decodeTRB(buf[:])
		if trb.Cycle() != r.cycle {
			return TRB{}, 0, errRingEmpty
		}

		if trb.Type() != trbLink {
			addr := r.dequeue
			r.dequeue += TRBSize
			return trb, addr, nil
		}

		r.dequeue = trb.Parameter &^ 0xf
		if trb.ToggleCycle() {
			r.cycle = !r.cycle
		}
	}
}
