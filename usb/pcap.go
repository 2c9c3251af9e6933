package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var le = binary.LittleEndian

// pcap file format, with the Linux usbmon link type. One capture record
// per submission and per completion, each carrying a 48-byte usbmon
// header ahead of the payload.
const (
	pcapMagic      = 0xa1b2c3d4
	pcapSnaplen    = 65535
	linktypeUSB    = 189 // LINKTYPE_USB_LINUX
	usbmonHdrSize  = 48
	captureBusNum  = 1
	eventSubmit    = 'S'
	eventComplete  = 'C'
	captureControl = 2
	captureBulk    = 3
)

// Capture records bridged USB transfers as a pcap stream readable with
// wireshark or tcpdump. Wrap attaches it to a device.
type Capture struct {
	mu   sync.Mutex
	w    io.Writer
	log  *slog.Logger
	next uint64
	err  error
}

// NewCapture writes the pcap file header to w and returns a Capture
// recording to it. A write failure later on disables the capture
// without disturbing the traffic it was recording.
func NewCapture(w io.Writer, log *slog.Logger) (*Capture, error) {
	if log == nil {
		log = slog.Default()
	}

	hdr := make([]byte, 0, 24)
	hdr = le.AppendUint32(hdr, pcapMagic)
	hdr = le.AppendUint16(hdr, 2) // version
	hdr = le.AppendUint16(hdr, 4)
	hdr = le.AppendUint32(hdr, 0) // utc offset
	hdr = le.AppendUint32(hdr, 0) // sigfigs
	hdr = le.AppendUint32(hdr, pcapSnaplen)
	hdr = le.AppendUint32(hdr, linktypeUSB)

	if _, err := w.Write(hdr); err != nil {
		return nil, fmt.Errorf("usb: write capture header: %w", err)
	}

	return &Capture{w: w, log: log}, nil
}

// Wrap returns a Device that records dev's control and bulk transfers,
// tagged with addr as the captured device address.
func (c *Capture) Wrap(dev Device, addr uint8) Device {
	return &captureDevice{Device: dev, cap: c, addr: addr}
}

// packet is the metadata of one capture record.
type packet struct {
	id       uint64
	event    byte
	transfer byte
	ep       uint8
	addr     uint8
	setup    *SetupPacket
	status   int32
	urbLen   int
	payload  []byte
}

func (c *Capture) nextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	return c.next
}

func (c *Capture) record(p packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return
	}

	now := time.Now()
	size := usbmonHdrSize + len(p.payload)

	buf := make([]byte, 0, 16+size)
	buf = le.AppendUint32(buf, uint32(now.Unix()))
	buf = le.AppendUint32(buf, uint32(now.Nanosecond()/1e3))
	buf = le.AppendUint32(buf, uint32(size))
	buf = le.AppendUint32(buf, uint32(size))

	buf = le.AppendUint64(buf, p.id)
	buf = append(buf, p.event, p.transfer, p.ep, p.addr)
	buf = le.AppendUint16(buf, captureBusNum)

	var setupFlag, dataFlag byte
	var setup [8]byte
	if s := p.setup; s != nil {
		setupFlag = 1
		setup = [8]byte{
			s.RequestType, s.Request,
			byte(s.Value), byte(s.Value >> 8),
			byte(s.Index), byte(s.Index >> 8),
			byte(s.Length), byte(s.Length >> 8),
		}
	}

	if len(p.payload) > 0 {
		dataFlag = 1
	}

	buf = append(buf, setupFlag, dataFlag)
	buf = le.AppendUint64(buf, uint64(now.Unix()))
	buf = le.AppendUint32(buf, uint32(now.Nanosecond()/1e3))
	buf = le.AppendUint32(buf, uint32(p.status))
	buf = le.AppendUint32(buf, uint32(p.urbLen))
	buf = le.AppendUint32(buf, uint32(len(p.payload)))
	buf = append(buf, setup[:]...)
	buf = append(buf, p.payload...)

	if _, err := c.w.Write(buf); err != nil {
		c.log.Warn("disabling usb capture", "error", err)
		c.err = err
	}
}

type captureDevice struct {
	Device

	cap  *Capture
	addr uint8
}

func (d *captureDevice) Control(setup SetupPacket, data []byte) (int, error) {
	id := d.cap.nextID()

	var ep uint8
	if setup.In() {
		ep = 0x80
	}

	var out []byte
	if !setup.In() {
		out = data
	}

	d.cap.record(packet{
		id:       id,
		event:    eventSubmit,
		transfer: captureControl,
		ep:       ep,
		addr:     d.addr,
		setup:    &setup,
		urbLen:   len(data),
		payload:  out,
	})

	n, err := d.Device.Control(setup, data)

	var in []byte
	if setup.In() && n > 0 && n <= len(data) {
		in = data[:n]
	}

	d.cap.record(packet{
		id:       id,
		event:    eventComplete,
		transfer: captureControl,
		ep:       ep,
		addr:     d.addr,
		status:   captureStatus(err),
		urbLen:   max(n, 0),
		payload:  in,
	})

	return n, err
}

func (d *captureDevice) Bulk(ep uint8, data []byte) (int, error) {
	id := d.cap.nextID()

	var out []byte
	if ep&0x80 == 0 {
		out = data
	}

	d.cap.record(packet{
		id:       id,
		event:    eventSubmit,
		transfer: captureBulk,
		ep:       ep,
		addr:     d.addr,
		urbLen:   len(data),
		payload:  out,
	})

	n, err := d.Device.Bulk(ep, data)

	var in []byte
	if ep&0x80 != 0 && n > 0 && n <= len(data) {
		in = data[:n]
	}

	d.cap.record(packet{
		id:       id,
		event:    eventComplete,
		transfer: captureBulk,
		ep:       ep,
		addr:     d.addr,
		status:   captureStatus(err),
		urbLen:   max(n, 0),
		payload:  in,
	})

	return n, err
}

// captureStatus maps a transfer result to the usbmon status field: zero
// on success, a negative errno otherwise.
func captureStatus(err error) int32 {
	if err == nil {
		return 0
	}

	if errors.Is(err, ErrStall) {
		return -int32(unix.EPIPE)
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}

	return -int32(unix.EIO)
}
