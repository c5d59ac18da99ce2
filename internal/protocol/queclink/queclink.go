package queclink

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/trackserver/internal/cmdqueue"
	"nuha.dev/trackserver/internal/imei"
	"nuha.dev/trackserver/internal/protocol"
	"nuha.dev/trackserver/internal/server/conn"
)

// Queclink implements the adapter contract for the delimited ASCII protocol
// family. One instance per connection. Unlike the binary adapters this one
// is bidirectional: after every processed report it drains the command queue
// for its identifier.
type Queclink struct {
	log     log.Logger
	queue   cmdqueue.Queue
	imei    string
	first   *frame //handshake frame, replayed on the first DecodeNext
	pending []byte
	now     func() time.Time
}

func New(logger log.Logger, queue cmdqueue.Queue) *Queclink {
	o := &Queclink{queue: queue, now: time.Now}
	o.log = logger
	o.log.Context = log.NewContext(nil).Str("module", "queclink").Value()
	return o
}

// Handshake binds the identifier carried by the first report. The frame is
// kept and replayed through DecodeNext so a location report doubling as the
// first message loses no fixes.
func (q *Queclink) Handshake(c *conn.Conn) (string, error) {
	raw, err := c.ReadBytes('$')
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrHandshakeRejected, err)
	}
	f, err := parseFrame(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrHandshakeRejected, err)
	}
	id := f.imei()
	if !imei.Valid(id) {
		return "", fmt.Errorf("%w: identifier %s fails checksum", protocol.ErrHandshakeRejected, id)
	}
	q.imei = id
	q.first = f
	q.log.Context = log.NewContext(nil).Str("module", "queclink").Str("imei", id).Value()
	return id, nil
}

func (q *Queclink) DecodeNext(c *conn.Conn) (*protocol.Report, error) {
	var f *frame
	if q.first != nil {
		f = q.first
		q.first = nil
	} else {
		raw, err := c.ReadBytes('$')
		if err != nil {
			return nil, err
		}
		f, err = parseFrame(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrProtocolViolation, err)
		}
	}
	if f.imei() != q.imei {
		return nil, fmt.Errorf("%w: identifier %s does not match session %s", protocol.ErrProtocolViolation, f.imei(), q.imei)
	}
	q.log.Trace().Str("type", f.Type).Str("serial", f.serial()).Msg("report from terminal")
	rep := &protocol.Report{}
	switch f.Type {
	case reportFRI:
		fixes, err := parseFRI(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrProtocolViolation, err)
		}
		rep.Fixes = fixes
	case reportHBD:
		q.pending = newHeartbeatAck(f)
	case reportINF:
		b, err := parseINF(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrProtocolViolation, err)
		}
		rep.Battery = &b
	default:
		q.log.Info().Str("type", f.Type).Msg("unhandled report type")
	}
	q.drain(c)
	return rep, nil
}

// drain writes every unsent command created up to the snapshot instant, then
// marks exactly that window sent. A command enqueued concurrently with the
// drain lands after the cutoff and survives for the next drain.
func (q *Queclink) drain(c *conn.Conn) {
	ctx := context.Background()
	cutoff := q.now().UTC()
	cmds, err := q.queue.Pending(ctx, q.imei, cutoff)
	if err != nil {
		q.log.Error().Err(err).Msg("fetching pending commands")
		return
	}
	if len(cmds) == 0 {
		return
	}
	for _, cmd := range cmds {
		_, err := c.Write([]byte(cmd.Text))
		if err != nil {
			//nothing marked sent, the whole window is retried on reconnect
			q.log.Error().Err(err).Uint64("command_id", cmd.Id).Msg("writing command")
			return
		}
		q.log.Info().Uint64("command_id", cmd.Id).Str("command", cmd.Text).Msg("command sent")
	}
	err = q.queue.MarkSent(ctx, q.imei, cutoff)
	if err != nil {
		q.log.Error().Err(err).Msg("marking commands sent")
	}
}

func (q *Queclink) Ack(c *conn.Conn) error {
	if q.pending == nil {
		return nil
	}
	d := q.pending
	q.pending = nil
	_, err := c.Write(d)
	return err
}
