// Package control implements the supervisor/task control socket of
// spec §6: a SOCK_SEQPACKET unix socket pair carrying three frame
// kinds -- a 4-byte little-endian pid, a one-byte zero ack, and a
// varint-length-prefixed error payload. Grounded on
// criyle-go-sandbox's pkg/unixsocket Socket (NewSocketPair via
// syscall.Socketpair(AF_LOCAL, SOCK_SEQPACKET|SOCK_CLOEXEC), wrapping
// the fd in net.FileConn), generalised here from that package's
// generic SendMsg/RecvMsg to the three typed frames the launch
// protocol actually exchanges.
package control

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zhoudaqing/porto/pkg/errkind"
)

// Socket is one end of the control socket pair.
type Socket struct {
	conn *net.UnixConn
}

// NewPair creates a connected SOCK_SEQPACKET pair. The first returned
// Socket is conventionally MasterSock (stays with the supervisor); the
// second is Sock (inherited by the forked intermediary).
func NewPair() (master, child *Socket, err error) {
	fds, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errkind.FromSyscallErr(err, "socketpair")
	}
	master, err = fromFd(fds[0])
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	child, err = fromFd(fds[1])
	if err != nil {
		master.Close()
		unix.Close(fds[1])
		return nil, nil, err
	}
	return master, child, nil
}

func fromFd(fd int) (*Socket, error) {
	f := os.NewFile(uintptr(fd), "control-socket")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, errkind.FromSyscallErr(err, "wrap control socket fd")
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, errkind.New(errkind.InvalidState, "control socket fd is not a unix socket")
	}
	return &Socket{conn: uc}, nil
}

// Fd exposes the raw descriptor for inheritance across fork/clone; the
// caller is responsible for clearing close-on-exec if the fd must
// survive exec (e.g. the intermediary's inherited Sock).
func (s *Socket) Fd() (uintptr, error) {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return 0, errkind.FromSyscallErr(err, "syscallconn")
	}
	var fd uintptr
	cerr := raw.Control(func(f uintptr) { fd = f })
	if cerr != nil {
		return 0, errkind.FromSyscallErr(cerr, "control socket fd")
	}
	return fd, nil
}

// Close releases the socket.
func (s *Socket) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return errkind.FromSyscallErr(err, "close control socket")
	}
	return nil
}

// SetRecvTimeout bounds the next Recv* call, implementing
// MasterSock.set_recv_timeout from spec §5/§4.7.
func (s *Socket) SetRecvTimeout(millis int64) error {
	deadline := time.Now().Add(time.Duration(millis) * time.Millisecond)
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return errkind.FromSyscallErr(err, "set_recv_timeout")
	}
	return nil
}

// SendPid writes the 4-byte little-endian WPid/VPid frame.
func (s *Socket) SendPid(pid int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(pid))
	_, err := s.conn.Write(buf[:])
	if err != nil {
		return errkind.FromSyscallErr(err, "send pid")
	}
	return nil
}

// RecvPid reads a 4-byte pid frame.
func (s *Socket) RecvPid() (int32, error) {
	var buf [4]byte
	n, err := s.conn.Read(buf[:])
	if err != nil {
		return 0, errkind.FromSyscallErr(err, "recv pid")
	}
	if n != 4 {
		return 0, errkind.New(errkind.InvalidData, "short pid frame: %d bytes", n)
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// SendAck writes the one-byte zero ack.
func (s *Socket) SendAck() error {
	_, err := s.conn.Write([]byte{0})
	if err != nil {
		return errkind.FromSyscallErr(err, "send ack")
	}
	return nil
}

// RecvAck reads and validates the one-byte zero ack.
func (s *Socket) RecvAck() error {
	var buf [1]byte
	n, err := s.conn.Read(buf[:])
	if err != nil {
		return errkind.FromSyscallErr(err, "recv ack")
	}
	if n != 1 || buf[0] != 0 {
		return errkind.New(errkind.InvalidData, "malformed ack frame")
	}
	return nil
}

// ErrorFrame is the stage-2 payload: {code, errno, text}.
type ErrorFrame struct {
	Code  errkind.Kind
	Errno int32
	Text  string
}

// SendError writes a varint-length-prefixed error payload.
func (s *Socket) SendError(f ErrorFrame) error {
	body := make([]byte, 0, 8+len(f.Text))
	body = binary.LittleEndian.AppendUint32(body, uint32(f.Code))
	body = binary.LittleEndian.AppendUint32(body, uint32(f.Errno))
	body = append(body, f.Text...)

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))
	frame := append(lenBuf[:n], body...)
	if _, err := s.conn.Write(frame); err != nil {
		return errkind.FromSyscallErr(err, "send error frame")
	}
	return nil
}

// RecvError reads a varint-length-prefixed error payload.
func (s *Socket) RecvError() (ErrorFrame, error) {
	buf := make([]byte, 64<<10)
	n, err := s.conn.Read(buf)
	if err != nil {
		return ErrorFrame{}, errkind.FromSyscallErr(err, "recv error frame")
	}
	length, hdrLen := binary.Uvarint(buf[:n])
	if hdrLen <= 0 {
		return ErrorFrame{}, errkind.New(errkind.InvalidData, "malformed error frame length")
	}
	body := buf[hdrLen:n]
	if uint64(len(body)) < length || length < 8 {
		return ErrorFrame{}, errkind.New(errkind.InvalidData, "truncated error frame")
	}
	return ErrorFrame{
		Code:  errkind.Kind(binary.LittleEndian.Uint32(body[0:4])),
		Errno: int32(binary.LittleEndian.Uint32(body[4:8])),
		Text:  string(body[8:length]),
	}, nil
}

func (f ErrorFrame) String() string {
	return fmt.Sprintf("%s(errno=%d): %s", f.Code, f.Errno, f.Text)
}
