package xhci

import (
	"errors"

	"github.com/c35s/xhcid/usb"
)

// ringDoorbell dispatches a doorbell write. Doorbell 0 runs the command
// ring; doorbell N rings an endpoint of slot N, with the endpoint's DCI
// in the low byte of the value.
func (c *Controller) ringDoorbell(target int, v uint32) {
	if c.usbsts&stsHCHalted != 0 {
		return
	}

	if target == 0 {
		c.runCommandRing()
		return
	}

	c.runTransferRing(target, int(v&0xff))
}

// runCommandRing executes command TRBs until the ring is empty, pushing
// a command completion event for each one.
func (c *Controller) runCommandRing() {
	if c.cmdRing.mem == nil {
		return
	}

	c.cmdRunning = true
	defer func() { c.cmdRunning = false }()

	for {
		trb, addr, err := c.cmdRing.next()
		if errors.Is(err, errRingEmpty) {
			return
		}

		if err != nil {
			c.log.Error("fetch command", "error", err)
			return
		}

		c.pushEvent(c.execCommand(trb, addr))
	}
}

func (c *Controller) execCommand(trb TRB, addr uint64) TRB {
	c.log.Debug("command", "type", trb.Type(), "slot", trb.SlotID())

	switch trb.Type() {
	case trbNoOpCommand:
		return commandCompletionEvent(addr, ccSuccess, 0)

	case trbEnableSlot:
		id := c.slots.enable()
		if id == 0 {
			return commandCompletionEvent(addr, ccNoSlotsAvailable, 0)
		}

		return commandCompletionEvent(addr, ccSuccess, id)

	case trbDisableSlot:
		c.slots.disable(trb.SlotID())
		return commandCompletionEvent(addr, ccSuccess, trb.SlotID())

	case trbAddressDevice:
		id := trb.SlotID()
		if c.slots.get(id) == nil {
			return commandCompletionEvent(addr, ccSlotNotEnabled, id)
		}

		port, err := c.slots.addressDevice(id, trb.Parameter&^0xf)
		if err != nil {
			c.log.Warn("address device", "slot", id, "error", err)
			return commandCompletionEvent(addr, ccParameterError, id)
		}

		if port < 1 || port > NumPorts || c.ports[port] == nil || c.ports[port].dev == nil {
			c.log.Warn("address device: no device", "slot", id, "port", port)
			return commandCompletionEvent(addr, ccParameterError, id)
		}

		c.log.Info("device addressed", "slot", id, "port", port)
		return commandCompletionEvent(addr, ccSuccess, id)

	case trbConfigureEP, trbEvaluateCtx:
		id := trb.SlotID()
		if c.slots.get(id) == nil {
			return commandCompletionEvent(addr, ccSlotNotEnabled, id)
		}

		if err := c.slots.configureEndpoints(id, trb.Parameter&^0xf); err != nil {
			c.log.Warn("configure endpoints", "slot", id, "error", err)
			return commandCompletionEvent(addr, ccParameterError, id)
		}

		return commandCompletionEvent(addr, ccSuccess, id)

	case trbResetEP, trbStopEP:
		return commandCompletionEvent(addr, ccSuccess, trb.SlotID())

	case trbSetTRDequeue:
		id := trb.SlotID()
		if c.slots.get(id) == nil {
			return commandCompletionEvent(addr, ccSlotNotEnabled, id)
		}

		if err := c.slots.setTRDequeue(id, trb.EndpointID(), trb.Parameter); err != nil {
			c.log.Warn("set tr dequeue", "slot", id, "error", err)
			return commandCompletionEvent(addr, ccParameterError, id)
		}

		return commandCompletionEvent(addr, ccSuccess, id)

	case trbResetDevice:
		id := trb.SlotID()
		if s := c.slots.get(id); s != nil && s.port != 0 && c.ports[s.port].dev != nil {
			if err := c.ports[s.port].dev.Reset(); err != nil {
				c.log.Warn("reset device", "slot", id, "error", err)
			}
		}

		return commandCompletionEvent(addr, ccSuccess, trb.SlotID())
	}

	c.log.Warn("unknown command", "type", trb.Type())
	return commandCompletionEvent(addr, ccTRBError, 0)
}

// runTransferRing executes transfer TDs on an endpoint's ring until the
// ring is empty, then saves the ring state back to the endpoint context.
func (c *Controller) runTransferRing(slotID, dci int) {
	s := c.slots.get(slotID)
	if s == nil || dci < 1 || dci > maxDCI {
		c.log.Warn("bad transfer doorbell", "slot", slotID, "dci", dci)
		return
	}

	dev := c.slotDevice(s)
	if dev == nil {
		c.log.Warn("transfer doorbell for unaddressed slot", "slot", slotID)
		return
	}

	ring, ctx, err := c.slots.transferRing(slotID, dci)
	if err != nil {
		c.log.Error("load transfer ring", "slot", slotID, "dci", dci, "error", err)
		return
	}

	for {
		var done bool
		if dci == 1 {
			done = c.runControlTD(dev, ring, slotID, dci)
		} else {
			done = c.runBulkTD(dev, ring, slotID, dci)
		}

		if done {
			break
		}
	}

	if err := c.slots.saveTransferRing(ctx, ring); err != nil {
		c.log.Error("save transfer ring", "slot", slotID, "dci", dci, "error", err)
	}
}

func (c *Controller) slotDevice(s *slot) *usb.Bridge {
	if s.port < 1 || s.port > NumPorts || c.ports[s.port] == nil {
		return nil
	}

	return c.ports[s.port].dev
}

// runControlTD executes one control transfer: a setup stage, an optional
// data stage, and a status stage. It reports whether the ring ran dry.
func (c *Controller) runControlTD(dev *usb.Bridge, ring *consumerRing, slotID, dci int) bool {
	var setup usb.SetupPacket
	var data []byte
	var dataAddr, dataTRB uint64
	var dataIn, haveSetup bool

	for {
		trb, addr, err := ring.next()
		if errors.Is(err, errRingEmpty) {
			return true
		}

		if err != nil {
			c.log.Error("fetch transfer trb", "error", err)
			return true
		}

		switch trb.Type() {
		case trbSetupStage:
			setup = decodeSetup(trb.Parameter)
			haveSetup = true

		case trbDataStage:
			dataTRB = addr
			dataIn = trb.In()

			if trb.Immediate() && (dataIn || trb.TransferLength() > 8) {
				c.pushEvent(transferEvent(addr, trb.TransferLength(), ccTRBError, slotID, dci))
				return false
			}

			data = make([]byte, trb.TransferLength())

			switch {
			case trb.Immediate():
				copyImmediate(data, trb.Parameter)

			case !dataIn:
				dataAddr = trb.Parameter
				if err := c.mem.ReadAt(dataAddr, data); err != nil {
					c.log.Error("read data stage buffer", "error", err)
					c.pushEvent(transferEvent(addr, len(data), ccParameterError, slotID, dci))
					return false
				}

			default:
				dataAddr = trb.Parameter
			}

		case trbStatusStage:
			if !haveSetup {
				c.pushEvent(transferEvent(addr, 0, ccTRBError, slotID, dci))
				return false
			}

			n, err := dev.Control(setup, data)
			code := completionCode(err, n, len(data))

			if dataIn && n > 0 {
				if werr := c.mem.WriteAt(dataAddr, data[:n]); werr != nil {
					c.log.Error("write data stage buffer", "error", werr)
					code = ccParameterError
				}
			}

			if dataTRB != 0 && code != ccSuccess {
				c.pushEvent(transferEvent(dataTRB, len(data)-n, code, slotID, dci))
			}

			c.pushEvent(transferEvent(addr, 0, statusCode(code), slotID, dci))
			return false

		default:
			c.log.Warn("unsupported transfer trb", "type", trb.Type())
			c.pushEvent(transferEvent(addr, 0, ccTRBError, slotID, dci))
			return false
		}
	}
}

// runBulkTD executes one bulk TD: a run of chained normal TRBs ending at
// the first without the chain bit. It reports whether the ring ran dry.
func (c *Controller) runBulkTD(dev *usb.Bridge, ring *consumerRing, slotID, dci int) bool {
	type segment struct {
		addr uint64
		size int
		imm  bool
	}

	var segs []segment
	var total int
	var lastTRB uint64

	in := dci&1 != 0
	ep := uint8(dci / 2)
	if in {
		ep |= 0x80
	}

	for {
		trb, addr, err := ring.next()
		if errors.Is(err, errRingEmpty) {
			if len(segs) > 0 {
				c.log.Warn("transfer ring ended mid-td", "slot", slotID, "dci", dci)
			}

			return true
		}

		if err != nil {
			c.log.Error("fetch transfer trb", "error", err)
			return true
		}

		switch trb.Type() {
		case trbNormal:
			if trb.Immediate() && (in || trb.TransferLength() > 8) {
				c.pushEvent(transferEvent(addr, trb.TransferLength(), ccTRBError, slotID, dci))
				return false
			}

			segs = append(segs, segment{
				addr: trb.Parameter,
				size: trb.TransferLength(),
				imm:  trb.Immediate(),
			})

			total += trb.TransferLength()
			lastTRB = addr

		case trbEventData:
			lastTRB = addr

		default:
			c.log.Warn("unsupported transfer trb", "type", trb.Type())
			c.pushEvent(transferEvent(addr, 0, ccTRBError, slotID, dci))
			return false
		}

		if trb.Chain() {
			continue
		}

		break
	}

	if len(segs) == 0 {
		c.pushEvent(transferEvent(lastTRB, 0, ccSuccess, slotID, dci))
		return false
	}

	buf := make([]byte, total)

	if !in {
		off := 0
		for _, s := range segs {
			if s.imm {
				copyImmediate(buf[off:off+s.size], s.addr)
			} else if err := c.mem.ReadAt(s.addr, buf[off:off+s.size]); err != nil {
				c.log.Error("read bulk buffer", "error", err)
				c.pushEvent(transferEvent(lastTRB, total, ccParameterError, slotID, dci))
				return false
			}

			off += s.size
		}
	}

	n, err := dev.Bulk(ep, buf)
	code := completionCode(err, n, total)

	if in && n > 0 {
		off := 0
		for _, s := range segs {
			m := min(s.size, n-off)
			if m <= 0 {
				break
			}

			if werr := c.mem.WriteAt(s.addr, buf[off:off+m]); werr != nil {
				c.log.Error("write bulk buffer", "error", werr)
				code = ccParameterError
				break
			}

			off += m
		}
	}

	c.pushEvent(transferEvent(lastTRB, total-n, code, slotID, dci))
	return false
}

// completionCode maps a bridge transfer result to the completion code the
// guest sees. A transfer that moves fewer bytes than requested without an
// error completes as a short packet.
func completionCode(err error, n, want int) int {
	switch {
	case errors.Is(err, usb.ErrStall):
		return ccStallError
	case err != nil:
		return ccUSBTransaction
	case n < want:
		return ccShortPacket
	default:
		return ccSuccess
	}
}

// statusCode is the completion code for a control status stage: a short
// data stage still completes the transfer successfully.
func statusCode(code int) int {
	if code == ccShortPacket {
		return ccSuccess
	}

	return code
}

// copyImmediate fills p with a TRB's inline data, carried in the
// Parameter field instead of guest memory.
func copyImmediate(p []byte, param uint64) {
	var b [8]byte
	le.PutUint64(b[:], param)
	copy(p, b[:])
}

func decodeSetup(param uint64) usb.SetupPacket {
	return usb.SetupPacket{
		RequestType: uint8(param),
		Request:     uint8(param >> 8),
		Value:       uint16(param >> 16),
		Index:       uint16(param >> 32),
		Length:      uint16(param >> 48),
	}
}
