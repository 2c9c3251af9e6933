//go:build linux

package usb

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// usbfs drives a USB device through its /dev/bus/usb node.

// ioctl number encoding:
//
//	bits 0-7:   command number
//	bits 8-15:  ioctl type
//	bits 16-29: argument size
//	bits 30-31: direction
const (
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// ctrlTransfer has the same layout as struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32 // milliseconds
	_           uint32
	data        uintptr
}

// bulkTransfer has the same layout as struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32 // milliseconds
	_        uint32
	data     uintptr
}

// disconnectClaim has the same layout as struct usbdevfs_disconnect_claim.
type disconnectClaim struct {
	iface  uint32
	flags  uint32
	driver [256]byte
}

const usbdevfsType = 'U'

var (
	usbdevfsControl          = ioc(iocRead|iocWrite, usbdevfsType, 0, unsafe.Sizeof(ctrlTransfer{}))
	usbdevfsBulk             = ioc(iocRead|iocWrite, usbdevfsType, 2, unsafe.Sizeof(bulkTransfer{}))
	usbdevfsClaimInterface   = ioc(iocRead, usbdevfsType, 15, 4)
	usbdevfsReleaseInterface = ioc(iocRead, usbdevfsType, 16, 4)
	usbdevfsReset            = ioc(0, usbdevfsType, 20, 0)
	usbdevfsClearHalt        = ioc(iocRead, usbdevfsType, 21, 4)
	usbdevfsDisconnectClaim  = ioc(iocRead, usbdevfsType, 27, unsafe.Sizeof(disconnectClaim{}))
	usbdevfsGetSpeed         = ioc(0, usbdevfsType, 31, 0)
)

// transferTimeout bounds synchronous control and bulk transfers.
const transferTimeout = 5000 // milliseconds

// hostDevice is a Device backed by a host USB device node.
type hostDevice struct {
	f      *os.File
	speed  Speed
	ifaces []uint32
}

// Open opens a USB device node like /dev/bus/usb/001/004, detaches any
// kernel drivers from its interfaces, and claims them.
func Open(path string) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("usb: open %s: %w", path, err)
	}

	d := &hostDevice{f: f, speed: SpeedUnknown}

	if v, err := ioctlRet(f, usbdevfsGetSpeed, 0); err == nil {
		// kernel enum usb_device_speed
		switch v {
		case 1:
			d.speed = SpeedLow
		case 2:
			d.speed = SpeedFull
		case 3:
			d.speed = SpeedHigh
		case 5, 6:
			d.speed = SpeedSuper
		}
	}

	n, err := d.numInterfaces()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("usb: read configuration of %s: %w", path, err)
	}

	for i := uint32(0); i < n; i++ {
		if err := d.claimInterface(i); err != nil {
			d.Close()
			return nil, fmt.Errorf("usb: claim interface %d of %s: %w", i, path, err)
		}

		d.ifaces = append(d.ifaces, i)
	}

	return d, nil
}

// numInterfaces reads bNumInterfaces from the header of the first
// configuration descriptor.
func (d *hostDevice) numInterfaces() (uint32, error) {
	// GET_DESCRIPTOR, configuration 0
	buf := make([]byte, 9)
	n, err := d.Control(SetupPacket{
		RequestType: 0x80,
		Request:     6,
		Value:       2 << 8,
		Length:      uint16(len(buf)),
	}, buf)

	if err != nil {
		return 0, err
	}

	if n < 5 {
		return 0, fmt.Errorf("short configuration descriptor (%d bytes)", n)
	}

	return uint32(buf[4]), nil
}

// claimInterface claims an interface, detaching any bound kernel driver.
// Old kernels without USBDEVFS_DISCONNECT_CLAIM get a plain claim.
func (d *hostDevice) claimInterface(i uint32) error {
	claim := disconnectClaim{iface: i}
	_, err := ioctlRet(d.f, usbdevfsDisconnectClaim, uintptr(unsafe.Pointer(&claim)))
	if err == nil {
		return nil
	}

	if !errors.Is(err, unix.ENOTTY) {
		return err
	}

	_, err = ioctlRet(d.f, usbdevfsClaimInterface, uintptr(unsafe.Pointer(&i)))
	return err
}

func (d *hostDevice) Control(setup SetupPacket, data []byte) (int, error) {
	xfer := ctrlTransfer{
		requestType: setup.RequestType,
		request:     setup.Request,
		value:       setup.Value,
		index:       setup.Index,
		length:      uint16(len(data)),
		timeout:     transferTimeout,
	}

	if len(data) > 0 {
		xfer.data = uintptr(unsafe.Pointer(&data[0]))
	}

	n, err := ioctlRet(d.f, usbdevfsControl, uintptr(unsafe.Pointer(&xfer)))
	runtime.KeepAlive(data)

	if errors.Is(err, unix.EPIPE) {
		return 0, fmt.Errorf("usb: control transfer: %w", ErrStall)
	}

	if err != nil {
		return 0, fmt.Errorf("usb: control transfer: %w", err)
	}

	return int(n), nil
}

func (d *hostDevice) Bulk(ep uint8, data []byte) (int, error) {
	xfer := bulkTransfer{
		endpoint: uint32(ep),
		length:   uint32(len(data)),
		timeout:  transferTimeout,
	}

	if len(data) > 0 {
		xfer.data = uintptr(unsafe.Pointer(&data[0]))
	}

	n, err := ioctlRet(d.f, usbdevfsBulk, uintptr(unsafe.Pointer(&xfer)))
	runtime.KeepAlive(data)

	if errors.Is(err, unix.EPIPE) {
		return 0, fmt.Errorf("usb: bulk transfer to %#x: %w", ep, ErrStall)
	}

	if err != nil {
		return 0, fmt.Errorf("usb: bulk transfer to %#x: %w", ep, err)
	}

	return int(n), nil
}

func (d *hostDevice) ClearHalt(ep uint8) error {
	v := uint32(ep)
	if _, err := ioctlRet(d.f, usbdevfsClearHalt, uintptr(unsafe.Pointer(&v))); err != nil {
		return fmt.Errorf("usb: clear halt on %#x: %w", ep, err)
	}

	return nil
}

func (d *hostDevice) Reset() error {
	if _, err := ioctlRet(d.f, usbdevfsReset, 0); err != nil {
		return fmt.Errorf("usb: reset: %w", err)
	}

	return nil
}

func (d *hostDevice) Speed() Speed {
	return d.speed
}

func (d *hostDevice) Close() error {
	for _, i := range d.ifaces {
		iface := i
		ioctlRet(d.f, usbdevfsReleaseInterface, uintptr(unsafe.Pointer(&iface)))
	}

	return d.f.Close()
}

// ioctlRet issues an ioctl on the device node and returns the syscall's
// return value, which usbfs uses for transfer lengths.
func ioctlRet(f *os.File, req, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, arg)
	if errno != 0 {
		return 0, errno
	}

	return r, nil
}
