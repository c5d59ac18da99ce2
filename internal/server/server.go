package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"

	"nuha.dev/trackserver/internal/cmdqueue"
	"nuha.dev/trackserver/internal/device"
	"nuha.dev/trackserver/internal/ingest"
	"nuha.dev/trackserver/internal/monitoring"
	"nuha.dev/trackserver/internal/protocol"
	"nuha.dev/trackserver/internal/protocol/gt06"
	"nuha.dev/trackserver/internal/protocol/queclink"
	"nuha.dev/trackserver/internal/server/conn"
	"nuha.dev/trackserver/internal/util"
)

const (
	NEW_CONNECTION      string = "new_connection"
	LOGIN_MESSAGE       string = "login_message"
	LOGIN_MESSAGE_ERROR string = "login_message_error"
	FRAME_ERROR         string = "frame_error"
	CONNECTION_CLOSED   string = "connection_closed"
)

type Config struct {
	GT06Addr         string
	QueclinkAddr     string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
}

// Server runs one TCP listener per wire protocol and one goroutine per
// accepted connection. All per-connection state lives in the adapter and the
// conn wrapper; nothing is shared across connections except the coordinator.
type Server struct {
	log         log.Logger
	config      *Config
	co          *ingest.Coordinator
	queue       cmdqueue.Queue
	cid_counter uint64
}

func New(co *ingest.Coordinator, queue cmdqueue.Queue, config *Config) *Server {
	s := &Server{co: co, queue: queue, config: config}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "server").Value()
	if s.config.HandshakeTimeout == 0 {
		s.config.HandshakeTimeout = 2 * time.Second
	}
	if s.config.ReadTimeout == 0 {
		//trackers heartbeat well inside this; a silent socket is a dead one
		s.config.ReadTimeout = 10 * time.Minute
	}
	return s
}

func (s *Server) Run() {
	if s.config.GT06Addr != "" {
		go s.runListener(s.config.GT06Addr, device.PROTO_GT06, func(logger log.Logger) protocol.Adapter {
			return gt06.New(logger)
		})
	}
	if s.config.QueclinkAddr != "" {
		go s.runListener(s.config.QueclinkAddr, device.PROTO_QUECLINK, func(logger log.Logger) protocol.Adapter {
			return queclink.New(logger, s.queue)
		})
	}
}

func (s *Server) runListener(addr string, proto string, newAdapter func(log.Logger) protocol.Adapter) {
	s.log.Info().Msgf("starting %s listener on %s", proto, addr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error().Err(err).Str("protocol", proto).Msg("unable to listen")
		return
	}
	pln := &proxyproto.Listener{Listener: ln}
	for {
		_c, err := pln.Accept()
		if err != nil {
			s.log.Error().Err(err).Str("protocol", proto).Msg("failed to accept new connection")
			pln.Close()
			return
		}
		cid := atomic.AddUint64(&s.cid_counter, 1)
		c := conn.NewConn(_c, cid, util.GenUUID())
		monitoring.ConnectionsAccepted.WithLabelValues(proto).Inc()
		s.log.Info().Str("event", NEW_CONNECTION).Str("protocol", proto).EmbedObject(c).Msg("")
		a := newAdapter(s.log)
		go s.handle(c, proto, a)
	}
}

// handle owns one connection from handshake to close. Handshake failures and
// protocol violations close the socket immediately; the hardware retries on
// its own schedule, this layer never does.
func (s *Server) handle(c *conn.Conn, proto string, a protocol.Adapter) {
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	id, err := a.Handshake(c)
	if err != nil {
		monitoring.HandshakeRejected.WithLabelValues(proto).Inc()
		s.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).Str("protocol", proto).EmbedObject(c).Msg("closing after failed handshake")
		return
	}
	s.log.Info().Str("event", LOGIN_MESSAGE).Str("protocol", proto).Str("imei", id).EmbedObject(c).Msg("")
	monitoring.LiveConnections.WithLabelValues(proto).Inc()
	defer monitoring.LiveConnections.WithLabelValues(proto).Dec()

	ctx := context.Background()
	for {
		_ = c.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		rep, err := a.DecodeNext(c)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info().Str("event", CONNECTION_CLOSED).Str("imei", id).EmbedObject(c).Msg("end of stream")
			} else {
				//no mid-stream recovery in this protocol family, the device reconnects
				monitoring.FrameErrors.WithLabelValues(proto).Inc()
				s.log.Error().Err(err).Str("event", FRAME_ERROR).Str("imei", id).EmbedObject(c).Msg("closing connection")
			}
			return
		}
		monitoring.FramesDecoded.WithLabelValues(proto).Inc()
		if !rep.Empty() {
			_, err = s.co.Ingest(ctx, id, proto, rep)
			if err != nil {
				s.log.Error().Err(err).Str("imei", id).EmbedObject(c).Msg("ingest failed")
			}
		}
		err = a.Ack(c)
		if err != nil {
			s.log.Error().Err(err).Str("event", CONNECTION_CLOSED).Str("imei", id).EmbedObject(c).Msg("error writing acknowledgment")
			return
		}
	}
}
