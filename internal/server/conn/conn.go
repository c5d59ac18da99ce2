package conn

import (
	"bufio"
	"net"

	"github.com/phuslu/log"
)

// Conn wraps an accepted socket with buffered reads, a connection id and a
// session id for log correlation.
type Conn struct {
	cid   uint64
	sid   string
	tuple []string
	r     *bufio.Reader
	net.Conn
}

func NewConn(c net.Conn, cid uint64, sid string) *Conn {
	sourceip, sourceport, _ := net.SplitHostPort(c.RemoteAddr().String())
	targetip, targetport, _ := net.SplitHostPort(c.LocalAddr().String())

	return &Conn{cid, sid, []string{sourceip, sourceport, targetip, targetport}, bufio.NewReader(c), c}
}

func (c *Conn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// ReadBytes reads until delim, for the delimited ASCII protocols.
func (c *Conn) ReadBytes(delim byte) ([]byte, error) {
	return c.r.ReadBytes(delim)
}

func (c *Conn) Sid() string {
	return c.sid
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Strs("socket", c.tuple).Uint64("cid", c.cid).Str("sid", c.sid)
}
