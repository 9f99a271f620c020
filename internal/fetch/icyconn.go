package fetch

import (
	"bytes"
	"io"
	"net"
)

var (
	icyStatus  = []byte("ICY ")
	httpStatus = []byte("HTTP/1.0 ")
)

// icyConn rewrites a SHOUTcast "ICY 200 OK" status line into an HTTP/1.0
// one so net/http can parse the response.
type icyConn struct {
	net.Conn
	checked bool
	pending []byte
}

func (c *icyConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	if c.checked {
		return c.Conn.Read(p)
	}

	c.checked = true
	head := make([]byte, len(icyStatus))
	n, err := io.ReadFull(c.Conn, head)
	if n == len(icyStatus) && bytes.Equal(head, icyStatus) {
		c.pending = append([]byte(nil), httpStatus...)
	} else {
		c.pending = head[:n]
	}
	if len(c.pending) == 0 {
		return 0, err
	}

	m := copy(p, c.pending)
	c.pending = c.pending[m:]
	return m, nil
}
