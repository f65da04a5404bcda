package protocol

import (
	"encoding/binary"
	"net"
	"os"

	"github.com/NVIDIA/ddraid/cmn"
	"github.com/NVIDIA/ddraid/wire"
	"golang.org/x/sys/unix"
)

// Controller implements the control-socket side of the handoff protocol
// (spec.md §6 "Control socket"): requesting a fresh data socket via
// NEED_SERVER and acknowledging a completed handshake via
// REPLY_CONNECT_SERVER.
type Controller struct {
	conn *net.UnixConn
}

func NewController(conn *net.UnixConn) *Controller {
	return &Controller{conn: conn}
}

// RequestSocket sends NEED_SERVER and waits for CONNECT_SERVER plus its
// ancillary file descriptor, the data socket (spec.md §6). CONNECT_SERVER
// carries no body, so the reply is a bare 8-byte header with the fd
// riding along as SCM_RIGHTS ancillary data on the same recvmsg.
func (c *Controller) RequestSocket() (net.Conn, error) {
	if err := wire.WriteMessage(c.conn, wire.CodeNeedServer, nil); err != nil {
		return nil, cmn.Wrap(err, "send NEED_SERVER")
	}
	var hdr [8]byte
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := c.conn.ReadMsgUnix(hdr[:], oob)
	if err != nil {
		return nil, cmn.Wrap(err, "read CONNECT_SERVER header")
	}
	if n < len(hdr) {
		return nil, cmn.Wrapf(cmn.ErrUnexpectedMessage, "short CONNECT_SERVER header (%d bytes)", n)
	}
	code := wire.Code(binary.BigEndian.Uint32(hdr[0:4]))
	if code != wire.CodeConnectServer {
		return nil, cmn.Wrapf(cmn.ErrUnexpectedMessage, "expected CONNECT_SERVER, got %s", code)
	}
	fd, err := parseAncillaryFD(oob[:oobn])
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), "data-socket")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, cmn.Wrap(err, "wrap received data socket fd")
	}
	return conn, nil
}

// Acknowledge sends REPLY_CONNECT_SERVER once IDENTIFY and REPLY_IDENTIFY
// have completed on the new data socket (spec.md §6).
func (c *Controller) Acknowledge() error {
	return wire.WriteMessage(c.conn, wire.CodeReplyConnectServer, nil)
}

func parseAncillaryFD(oob []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, cmn.Wrap(err, "parse control message")
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil || len(fds) == 0 {
			continue
		}
		return fds[0], nil
	}
	return 0, cmn.Wrapf(cmn.ErrUnexpectedMessage, "CONNECT_SERVER carried no file descriptor")
}
