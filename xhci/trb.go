package xhci

import (
	"encoding/binary"
	"fmt"
)

// TRBSize is the size of a transfer request block in guest memory.
const TRBSize = 16

// TRB is a transfer request block, the 16-byte unit of work exchanged on
// the command, transfer, and event rings. Parameter, Status, and Control
// match the field layout in guest memory.
type TRB struct {
	Parameter uint64
	Status    uint32
	Control   uint32
}

// TRB types, in the Control field.
const (
	trbNormal        = 1
	trbSetupStage    = 2
	trbDataStage     = 3
	trbStatusStage   = 4
	trbIsoch         = 5
	trbLink          = 6
	trbEventData     = 7
	trbNoOpTransfer  = 8
	trbEnableSlot    = 9
	trbDisableSlot   = 10
	trbAddressDevice = 11
	trbConfigureEP   = 12
	trbEvaluateCtx   = 13
	trbResetEP       = 14
	trbStopEP        = 15
	trbSetTRDequeue  = 16
	trbResetDevice   = 17
	trbNoOpCommand   = 23

	trbTransferEvent = 32
	trbCmdCompletion = 33
	trbPortStatus    = 34
)

// Completion codes, reported in the Status field of event TRBs.
const (
	ccSuccess          = 1
	ccDataBufferError  = 2
	ccUSBTransaction   = 4
	ccTRBError         = 5
	ccStallError       = 6
	ccNoSlotsAvailable = 9
	ccSlotNotEnabled   = 11
	ccShortPacket      = 13
	ccParameterError   = 17
	ccEventRingFull    = 21
)

// Control field bits.
const (
	trbCycle       = 1 << 0
	trbToggleCycle = 1 << 1 // link TRBs only
	trbISP         = 1 << 2
	trbChain       = 1 << 4
	trbIOC         = 1 << 5
	trbIDT         = 1 << 6
	trbDirIn       = 1 << 16 // data and status stage TRBs
)

// Cycle reports the TRB's cycle bit.
func (t TRB) Cycle() bool {
	return t.Control&trbCycle != 0
}

// Type reports the TRB type from the Control field.
func (t TRB) Type() int {
	return int(t.Control >> 10 & 0x3f)
}

// Chain reports whether the TRB chains to the next one on the ring.
func (t TRB) Chain() bool {
	return t.Control&trbChain != 0
}

// IOC reports whether the TRB requests an interrupt on completion.
func (t TRB) IOC() bool {
	return t.Control&trbIOC != 0
}

// ToggleCycle reports the toggle cycle bit of a link TRB.
func (t TRB) ToggleCycle() bool {
	return t.Control&trbToggleCycle != 0
}

// SlotID reports the slot ID field of a command TRB.
func (t TRB) SlotID() int {
	return int(t.Control >> 24)
}

// EndpointID reports the endpoint ID field of a command TRB.
func (t TRB) EndpointID() int {
	return int(t.Control >> 16 & 0x1f)
}

// TransferLength reports the transfer length field of a transfer TRB.
func (t TRB) TransferLength() int {
	return int(t.Status & 0x1ffff)
}

// Immediate reports whether the TRB carries its data inline in Parameter.
func (t TRB) Immediate() bool {
	return t.Control&trbIDT != 0
}

// In reports the direction bit of a data or status stage TRB.
func (t TRB) In() bool {
	return t.Control&trbDirIn != 0
}

func (t TRB) String() string {
	return fmt.Sprintf("trb type %d param %#x status %#x control %#x",
		t.Type(), t.Parameter, t.Status, t.Control)
}

// decodeTRB decodes a TRB from its guest-memory representation.
func decodeTRB(p []byte) TRB {
	_ = p[15]
	return TRB{
		Parameter: binary.LittleEndian.Uint64(p[0:8]),
		Status:    binary.LittleEndian.Uint32(p[8:12]),
		Control:   binary.LittleEndian.Uint32(p[12:16]),
	}
}

// encodeTRB writes the TRB's guest-memory representation to p.
func encodeTRB(t TRB, p []byte) {
	_ = p[15]
	binary.LittleEndian.PutUint64(p[0:8], t.Parameter)
	binary.LittleEndian.PutUint32(p[8:12], t.Status)
	binary.LittleEndian.PutUint32(p[12:16], t.Control)
}

// commandCompletionEvent builds a command completion event TRB for the
// command TRB at addr.
func commandCompletionEvent(addr uint64, code int, slot int) TRB {
	return TRB{
		Parameter: addr,
		Status:    uint32(code) << 24,
		Control:   trbCmdCompletion<<10 | uint32(slot)<<24,
	}
}

// transferEvent builds a transfer event TRB. Residual is the count of
// bytes not transferred, per the transfer length field semantics.
func transferEvent(addr uint64, residual int, code int, slot, ep int) TRB {
	return TRB{
		Parameter: addr,
		Status:    uint32(residual)&0xffffff | uint32(code)<<24,
		Control:   trbTransferEvent<<10 | uint32(ep)<<16 | uint32(slot)<<24,
	}
}

// portStatusChangeEvent builds a port status change event TRB for the
// 1-based port ID.
func portStatusChangeEvent(port int) TRB {
	return TRB{
		Parameter: uint64(port) << 24,
		Status:    ccSuccess << 24,
		Control:   trbPortStatus << 10,
	}
}
