package gt06

import (
	"fmt"
	"strconv"

	"github.com/phuslu/log"

	"nuha.dev/trackserver/internal/geocode"
	"nuha.dev/trackserver/internal/imei"
	"nuha.dev/trackserver/internal/protocol"
	"nuha.dev/trackserver/internal/server/conn"
)

// GT06 implements the adapter contract for the binary checksummed protocol
// family. One instance per connection.
type GT06 struct {
	log     log.Logger
	msg     Message
	imei    string
	pending []byte //acknowledgment owed for the last decoded frame
}

func New(logger log.Logger) *GT06 {
	o := &GT06{}
	o.log = logger
	o.log.Context = log.NewContext(nil).Str("module", "gt06").Value()
	o.msg.Buffer = make([]byte, 1024)
	return o
}

// Handshake reads the login frame, validates the packed identifier and
// acknowledges the login immediately; the device sends nothing further until
// it sees the acknowledgment.
func (g *GT06) Handshake(c *conn.Conn) (string, error) {
	err := readMessage(c, &g.msg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrHandshakeRejected, err)
	}
	if g.msg.Protocol != loginMessage {
		return "", fmt.Errorf("%w: first message type %x is not login", protocol.ErrHandshakeRejected, g.msg.Protocol)
	}
	id, err := parseLoginIMEI(g.msg.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrHandshakeRejected, err)
	}
	if !imei.Valid(id) {
		return "", fmt.Errorf("%w: identifier %s fails checksum", protocol.ErrHandshakeRejected, id)
	}
	_, err = c.Write(newFrame(loginMessage, []byte{}, g.msg.Serial))
	if err != nil {
		return "", err
	}
	g.imei = id
	g.log.Context = log.NewContext(nil).Str("module", "gt06").Str("imei", id).Value()
	return id, nil
}

func (g *GT06) DecodeNext(c *conn.Conn) (*protocol.Report, error) {
	err := readMessage(c, &g.msg)
	if err != nil {
		return nil, err
	}
	procode := strconv.FormatUint(uint64(g.msg.Protocol), 16)
	g.log.Trace().Str("procode", procode).Hex("payload", g.msg.Payload).Int("serial", g.msg.Serial).Msg("message from terminal")
	rep := &protocol.Report{}
	switch g.msg.Protocol {
	case locationMessage, alarmMessage:
		loc, err := parseGPSMessage(g.msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrProtocolViolation, err)
		}
		if loc.Positioned {
			rep.Fixes = []geocode.Fix{{Time: loc.Timestamp.Unix(), Lat: loc.Latitude, Lon: loc.Longitude}}
		} else {
			g.log.Debug().Str("procode", procode).Msg("gps not fixed, position discarded")
		}
		rep.Alarm = g.msg.Protocol == alarmMessage
	case statusInformation:
		st, err := parseStatusInformation(g.msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrProtocolViolation, err)
		}
		g.log.Debug().Object("status", &st).Msg("heartbeat")
		b := batteryPercent(st.Voltage)
		rep.Battery = &b
		//heartbeat must be acknowledged or the terminal drops the link
		g.pending = newFrame(statusInformation, []byte{}, g.msg.Serial)
	case loginMessage:
		return nil, fmt.Errorf("%w: repeated login", protocol.ErrProtocolViolation)
	default:
		g.log.Info().Str("procode", procode).Hex("payload", g.msg.Payload).Msg("unhandled message type")
	}
	return rep, nil
}

func (g *GT06) Ack(c *conn.Conn) error {
	if g.pending == nil {
		return nil
	}
	d := g.pending
	g.pending = nil
	_, err := c.Write(d)
	return err
}
