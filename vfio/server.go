package vfio

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"
)

var le = binary.LittleEndian

// Backend is the device served over a vfio-user connection. The session
// calls it from a single goroutine.
type Backend interface {
	// RegionSize reports the size of a device region. Size zero means
	// the region does not exist.
	RegionSize(index uint32) uint64

	// RegionRead fills p from the region at the given offset.
	RegionRead(index uint32, off uint64, p []byte) error

	// RegionWrite writes p to the region at the given offset.
	RegionWrite(index uint32, off uint64, p []byte) error

	// IRQCount reports the number of interrupts of the given index the
	// device supports. Zero means the index is unsupported.
	IRQCount(index uint32) uint32

	// SetIRQ installs an eventfd for an interrupt vector. An fd of -1
	// removes the vector's eventfd. The backend owns the fd.
	SetIRQ(index, vector uint32, fd int) error

	// MapDMA registers guest memory backed by an open file. The backend
	// owns the fd.
	MapDMA(addr, size uint64, writable bool, fd int, fileOff uint64) error

	// UnmapDMA removes a mapping registered with MapDMA.
	UnmapDMA(addr, size uint64) error

	// Reset returns the device to its power-on state.
	Reset() error
}

// Session serves one vfio-user connection. The first message must
// negotiate the protocol version; after that the client may issue any
// command. Command-level failures become error replies and keep the
// connection alive; protocol violations end the session.
type Session struct {
	conn    *net.UnixConn
	backend Backend
	log     *slog.Logger

	negotiated bool
	oob        [1024]byte
	fds        []int
}

// Serve handles vfio-user messages on conn until the client hangs up or
// a protocol error occurs. It returns nil on a clean shutdown.
func Serve(conn *net.UnixConn, backend Backend, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	s := &Session{conn: conn, backend: backend, log: log}
	defer s.closeFDs()

	for {
		hdr, body, err := s.readMsg()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		if err := s.dispatch(hdr, body); err != nil {
			return err
		}

		s.closeFDs()
	}
}

// readMsg reads one full message, collecting any file descriptors from
// ancillary data into s.fds.
func (s *Session) readMsg() (header, []byte, error) {
	var hbuf [headerSize]byte
	if err := s.read(hbuf[:]); err != nil {
		return header{}, nil, err
	}

	hdr := header{
		MsgID:   le.Uint16(hbuf[0:2]),
		Command: le.Uint16(hbuf[2:4]),
		Size:    le.Uint32(hbuf[4:8]),
		Flags:   le.Uint32(hbuf[8:12]),
		Error:   le.Uint32(hbuf[12:16]),
	}

	if hdr.Size < headerSize || hdr.Size > headerSize+maxAccessSize+64 {
		return header{}, nil, fmt.Errorf("vfio: bad message size %d", hdr.Size)
	}

	body := make([]byte, hdr.Size-headerSize)
	if err := s.read(body); err != nil {
		return header{}, nil, err
	}

	return hdr, body, nil
}

// read fills p from the connection, parsing SCM_RIGHTS control messages
// as they arrive.
func (s *Session) read(p []byte) error {
	for len(p) > 0 {
		n, oobn, _, _, err := s.conn.ReadMsgUnix(p, s.oob[:])
		if err != nil {
			return err
		}

		if n == 0 && oobn == 0 {
			return io.EOF
		}

		if oobn > 0 {
			scms, err := unix.ParseSocketControlMessage(s.oob[:oobn])
			if err != nil {
				return fmt.Errorf("vfio: parse control message: %w", err)
			}

			for _, scm := range scms {
				fds, err := unix.ParseUnixRights(&scm)
				if err != nil {
					continue
				}

				s.fds = append(s.fds, fds...)
			}
		}

		p = p[n:]
	}

	return nil
}

// takeFDs hands ownership of the received fds to the caller.
func (s *Session) takeFDs() []int {
	fds := s.fds
	s.fds = nil
	return fds
}

// closeFDs drops received fds nobody claimed.
func (s *Session) closeFDs() {
	for _, fd := range s.fds {
		unix.Close(fd)
	}

	s.fds = nil
}

func (s *Session) dispatch(hdr header, body []byte) error {
	if hdr.Flags&flagTypeMask != flagTypeCommand {
		return fmt.Errorf("vfio: unexpected message type %#x", hdr.Flags&flagTypeMask)
	}

	if !s.negotiated && hdr.Command != msgVersion {
		return fmt.Errorf("vfio: command %d before version negotiation", hdr.Command)
	}

	switch hdr.Command {
	case msgVersion:
		return s.handleVersion(hdr, body)
	case msgDeviceInfo:
		return s.handleDeviceInfo(hdr)
	case msgRegionInfo:
		return s.handleRegionInfo(hdr, body)
	case msgIRQInfo:
		return s.handleIRQInfo(hdr, body)
	case msgSetIRQs:
		return s.handleSetIRQs(hdr, body)
	case msgDMAMap:
		return s.handleDMAMap(hdr, body)
	case msgDMAUnmap:
		return s.handleDMAUnmap(hdr, body)
	case msgRegionRead:
		return s.handleRegionRead(hdr, body)
	case msgRegionWrite:
		return s.handleRegionWrite(hdr, body)
	case msgDeviceReset:
		return s.handleReset(hdr)
	}

	s.log.Warn("unsupported command", "command", hdr.Command)
	return s.replyErr(hdr, unix.ENOTSUP)
}

func (s *Session) handleVersion(hdr header, body []byte) error {
	var v version
	if err := decode(body, &v); err != nil {
		return err
	}

	if v.Major != versionMajor {
		s.log.Error("unsupported protocol version", "major", v.Major, "minor", v.Minor)
		return s.replyErr(hdr, unix.EINVAL)
	}

	caps, err := json.Marshal(map[string]any{"capabilities": map[string]any{}})
	if err != nil {
		return err
	}

	s.negotiated = true
	s.log.Debug("version negotiated", "major", v.Major, "minor", v.Minor)

	return s.reply(hdr, encode(version{Major: versionMajor, Minor: versionMinor}), caps)
}

func (s *Session) handleDeviceInfo(hdr header) error {
	info := deviceInfo{
		Argsz:      16,
		Flags:      deviceFlagReset | deviceFlagPCI,
		NumRegions: NumRegions,
		NumIRQs:    NumIRQs,
	}

	return s.reply(hdr, encode(info))
}

func (s *Session) handleRegionInfo(hdr header, body []byte) error {
	var req regionInfo
	if err := decode(body, &req); err != nil {
		return err
	}

	if req.Index >= NumRegions {
		return s.replyErr(hdr, unix.EINVAL)
	}

	info := regionInfo{
		Argsz: 32,
		Index: req.Index,
		Size:  s.backend.RegionSize(req.Index),
	}

	if info.Size > 0 {
		info.Flags = regionFlagRead | regionFlagWrite
	}

	return s.reply(hdr, encode(info))
}

func (s *Session) handleIRQInfo(hdr header, body []byte) error {
	var req irqInfo
	if err := decode(body, &req); err != nil {
		return err
	}

	if req.Index >= NumIRQs {
		return s.replyErr(hdr, unix.EINVAL)
	}

	info := irqInfo{
		Argsz: 16,
		Flags: irqFlagEventFD | irqFlagNoresize,
		Index: req.Index,
		Count: s.backend.IRQCount(req.Index),
	}

	return s.reply(hdr, encode(info))
}

func (s *Session) handleSetIRQs(hdr header, body []byte) error {
	var req irqSet
	if err := decode(body, &req); err != nil {
		return err
	}

	if req.Index >= NumIRQs || s.backend.IRQCount(req.Index) == 0 {
		return s.replyErr(hdr, unix.EINVAL)
	}

	switch {
	case req.Flags&irqSetDataEventFD != 0 && req.Flags&irqSetActionTrigger != 0:
		fds := s.takeFDs()
		if len(fds) != int(req.Count) {
			for _, fd := range fds {
				unix.Close(fd)
			}

			return s.replyErr(hdr, unix.EINVAL)
		}

		for i, fd := range fds {
			if err := s.backend.SetIRQ(req.Index, req.Start+uint32(i), fd); err != nil {
				return s.replyErr(hdr, errno(err))
			}
		}

	case req.Flags&irqSetDataNone != 0:
		for i := uint32(0); i < req.Count; i++ {
			if err := s.backend.SetIRQ(req.Index, req.Start+i, -1); err != nil {
				return s.replyErr(hdr, errno(err))
			}
		}

	default:
		return s.replyErr(hdr, unix.ENOTSUP)
	}

	return s.reply(hdr, nil)
}

func (s *Session) handleDMAMap(hdr header, body []byte) error {
	var req dmaMap
	if err := decode(body, &req); err != nil {
		return err
	}

	fds := s.takeFDs()
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}

		s.log.Warn("dma map without file descriptor", "addr", req.Addr)
		return s.replyErr(hdr, unix.ENOTSUP)
	}

	writable := req.Flags&dmaFlagWrite != 0
	if err := s.backend.MapDMA(req.Addr, req.Size, writable, fds[0], req.Offset); err != nil {
		s.log.Error("dma map", "addr", req.Addr, "size", req.Size, "error", err)
		return s.replyErr(hdr, errno(err))
	}

	return s.reply(hdr, nil)
}

func (s *Session) handleDMAUnmap(hdr header, body []byte) error {
	var req dmaUnmap
	if err := decode(body, &req); err != nil {
		return err
	}

	if err := s.backend.UnmapDMA(req.Addr, req.Size); err != nil {
		s.log.Error("dma unmap", "addr", req.Addr, "size", req.Size, "error", err)
		return s.replyErr(hdr, errno(err))
	}

	// the unmap reply echoes the request payload
	return s.reply(hdr, encode(req))
}

func (s *Session) handleRegionRead(hdr header, body []byte) error {
	var req regionAccess
	if err := decode(body, &req); err != nil {
		return err
	}

	if req.Count > maxAccessSize {
		return s.replyErr(hdr, unix.EINVAL)
	}

	p := make([]byte, req.Count)
	if err := s.backend.RegionRead(req.Region, req.Offset, p); err != nil {
		s.log.Debug("region read failed",
			"region", req.Region, "offset", req.Offset, "error", err)
		return s.replyErr(hdr, errno(err))
	}

	return s.reply(hdr, encode(req), p)
}

func (s *Session) handleRegionWrite(hdr header, body []byte) error {
	var req regionAccess
	if err := decode(body, &req); err != nil {
		return err
	}

	data := body[16:]
	if req.Count > maxAccessSize || int(req.Count) != len(data) {
		return s.replyErr(hdr, unix.EINVAL)
	}

	if err := s.backend.RegionWrite(req.Region, req.Offset, data); err != nil {
		s.log.Debug("region write failed",
			"region", req.Region, "offset", req.Offset, "error", err)
		return s.replyErr(hdr, errno(err))
	}

	return s.reply(hdr, encode(regionAccess{
		Offset: req.Offset,
		Region: req.Region,
		Count:  req.Count,
	}))
}

func (s *Session) handleReset(hdr header) error {
	s.log.Info("device reset")

	if err := s.backend.Reset(); err != nil {
		return s.replyErr(hdr, errno(err))
	}

	return s.reply(hdr, nil)
}

func (s *Session) reply(req header, parts ...[]byte) error {
	if req.Flags&flagNoReply != 0 {
		return nil
	}

	size := headerSize
	for _, p := range parts {
		size += len(p)
	}

	msg := make([]byte, 0, size)
	msg = appendHeader(msg, header{
		MsgID:   req.MsgID,
		Command: req.Command,
		Size:    uint32(size),
		Flags:   flagTypeReply,
	})

	for _, p := range parts {
		msg = append(msg, p...)
	}

	_, err := s.conn.Write(msg)
	return err
}

func (s *Session) replyErr(req header, errno unix.Errno) error {
	if req.Flags&flagNoReply != 0 {
		return nil
	}

	msg := appendHeader(nil, header{
		MsgID:   req.MsgID,
		Command: req.Command,
		Size:    headerSize,
		Flags:   flagTypeReply | flagError,
		Error:   uint32(errno),
	})

	_, err := s.conn.Write(msg)
	return err
}

func appendHeader(msg []byte, hdr header) []byte {
	msg = le.AppendUint16(msg, hdr.MsgID)
	msg = le.AppendUint16(msg, hdr.Command)
	msg = le.AppendUint32(msg, hdr.Size)
	msg = le.AppendUint32(msg, hdr.Flags)
	msg = le.AppendUint32(msg, hdr.Error)
	return msg
}

// decode unmarshals a fixed-layout payload from the start of body. Short
// payloads are a protocol violation.
func decode(body []byte, out any) error {
	if err := binary.Read(bytes.NewReader(body), le, out); err != nil {
		return fmt.Errorf("vfio: short payload: %w", err)
	}

	return nil
}

// encode marshals a fixed-layout payload.
func encode(v any) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, le, v); err != nil {
		panic(err)
	}

	return buf.Bytes()
}

// errno maps a backend error to the errno reported to the client.
func errno(err error) unix.Errno {
	var e unix.Errno
	if errors.As(err, &e) {
		return e
	}

	return unix.EIO
}
