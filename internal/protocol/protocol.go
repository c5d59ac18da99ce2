package protocol

import (
	"errors"

	"nuha.dev/trackserver/internal/geocode"
	"nuha.dev/trackserver/internal/server/conn"
)

var (
	//bad or unknown identifier during login; close, the tracker retries
	ErrHandshakeRejected = errors.New("handshake rejected")
	//malformed frame or identifier mismatch mid-session; close
	ErrProtocolViolation = errors.New("protocol violation")
)

// Report is the decoded outcome of one inbound frame. All fields may be
// empty: a heartbeat produces only Battery, an unrecognized-but-well-framed
// message produces an empty report.
type Report struct {
	Fixes   []geocode.Fix
	Battery *int
	Alarm   bool
}

func (r *Report) Empty() bool {
	return len(r.Fixes) == 0 && r.Battery == nil && !r.Alarm
}

// Adapter is the per-connection vendor protocol state machine. One instance
// serves exactly one connection; implementations keep session state (bound
// identifier, pending acknowledgment) between calls.
//
// Handshake authenticates the connection and returns the 15-digit hardware
// identifier. DecodeNext blocks for the next frame and returns its report;
// io.EOF is the normal end-of-stream. Ack writes whatever acknowledgment the
// last decoded frame requires, if any.
type Adapter interface {
	Handshake(c *conn.Conn) (string, error)
	DecodeNext(c *conn.Conn) (*Report, error)
	Ack(c *conn.Conn) error
}
