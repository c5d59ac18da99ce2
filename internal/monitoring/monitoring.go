package monitoring

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mustafaturan/bus/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nuha.dev/trackserver/internal/event"
)

var (
	ConnectionsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackserver_connections_accepted_total",
		Help: "TCP connections accepted per protocol listener",
	}, []string{"protocol"})
	LiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trackserver_connections_live",
		Help: "Authenticated connections currently held open",
	}, []string{"protocol"})
	HandshakeRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackserver_handshake_rejected_total",
		Help: "Connections closed during handshake",
	}, []string{"protocol"})
	FramesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackserver_frames_decoded_total",
		Help: "Frames decoded per protocol",
	}, []string{"protocol"})
	FrameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackserver_frame_errors_total",
		Help: "Connections closed on malformed frames or identifier mismatch",
	}, []string{"protocol"})
	FixesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackserver_fixes_accepted_total",
		Help: "Fixes accepted into device series",
	})
	SOSRaised = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackserver_sos_raised_total",
		Help: "Alarm frames that triggered SOS handling",
	})
)

// Router exposes the scrape and liveness endpoints.
func Router() chi.Router {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// BusHandler keeps the ingest counters in sync with accepted-fix events.
func BusHandler() bus.Handler {
	return bus.Handler{
		Matcher: event.TopicFixAccepted,
		Handle: func(ctx context.Context, e bus.Event) {
			if fa, ok := e.Data.(event.FixAccepted); ok {
				FixesAccepted.Add(float64(len(fa.Fixes)))
			}
		},
	}
}
