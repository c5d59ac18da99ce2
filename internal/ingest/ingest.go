package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/phuslu/log"

	"nuha.dev/trackserver/internal/device"
	"nuha.dev/trackserver/internal/event"
	"nuha.dev/trackserver/internal/geocode"
	"nuha.dev/trackserver/internal/monitoring"
	"nuha.dev/trackserver/internal/notify"
	"nuha.dev/trackserver/internal/protocol"
	"nuha.dev/trackserver/internal/publish"
	"nuha.dev/trackserver/internal/registry"
)

const (
	SOS_RAISED       string = "sos_raised"
	INGEST_CONFLICT  string = "ingest_conflict"
	DOWNSTREAM_ERROR string = "downstream_error"
)

// Save retries before an ingest call gives up on a revision conflict. With
// the per-device lock the loop only spins against writers outside this
// process.
const maxSaveRetry = 5

type lockMap struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *lockMap) get(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// Coordinator is the single path from any adapter into the series store.
// It owns dedup (through series.Append), battery persistence, SOS alerting,
// live fan-out and cache invalidation signaling.
type Coordinator struct {
	log   log.Logger
	reg   registry.Registry
	pub   publish.Publisher
	keys  *publish.Keys
	not   notify.Notifier
	bus   *bus.Bus
	locks lockMap
	now   func() time.Time
}

func New(reg registry.Registry, pub publish.Publisher, keys *publish.Keys, not notify.Notifier, b *bus.Bus) *Coordinator {
	co := &Coordinator{reg: reg, pub: pub, keys: keys, not: not, bus: b, now: time.Now}
	co.log = log.DefaultLogger
	co.log.Context = log.NewContext(nil).Str("module", "ingest").Value()
	co.locks.locks = make(map[string]*sync.Mutex)
	return co
}

// Ingest applies one decoded report to the device bound to id. The registry
// read, series append and registry save run as one logically-atomic unit per
// device: a per-identifier lock serializes ingests in this process, and the
// registry's revision CAS catches writers elsewhere. Returns the fixes
// actually accepted. Downstream failures (notifier, publisher, bus) are
// logged and never roll back accepted fixes.
func (co *Coordinator) Ingest(ctx context.Context, id string, proto string, rep *protocol.Report) ([]geocode.Fix, error) {
	mu := co.locks.get(id)
	mu.Lock()
	defer mu.Unlock()

	dev, err := co.reg.FindOrCreateByIMEI(ctx, id)
	if err != nil {
		return nil, err
	}
	var accepted []geocode.Fix
	for attempt := 0; ; attempt++ {
		accepted = dev.Series.Append(rep.Fixes)
		dev.Protocol = proto
		if rep.Battery != nil {
			dev.Battery = rep.Battery
		}
		err = co.reg.Save(ctx, dev)
		if err == nil {
			break
		}
		if !errors.Is(err, registry.ErrConflict) || attempt+1 == maxSaveRetry {
			return nil, err
		}
		co.log.Warn().Str("event", INGEST_CONFLICT).EmbedObject(dev).Int("attempt", attempt).Msg("retrying after lost save race")
		dev, err = co.reg.FindOrCreateByIMEI(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	if rep.Alarm {
		co.handleAlarm(ctx, dev)
	}
	if len(accepted) > 0 {
		co.forward(ctx, dev, accepted)
	}
	return accepted, nil
}

// handleAlarm resolves the active event binding and alerts its contacts with
// the last known position. Synchronous, but the fixes are already saved:
// notification failure loses nothing but the mail.
func (co *Coordinator) handleAlarm(ctx context.Context, dev *device.Device) {
	monitoring.SOSRaised.Inc()
	co.log.Warn().Str("event", SOS_RAISED).EmbedObject(dev).Msg("")
	b, err := co.reg.FindActiveBinding(ctx, dev, co.now())
	if err != nil {
		if errors.Is(err, registry.ErrNoBinding) {
			co.log.Info().EmbedObject(dev).Msg("sos outside any event window, nobody to notify")
		} else {
			co.log.Error().Err(err).Str("event", DOWNSTREAM_ERROR).EmbedObject(dev).Msg("binding lookup failed")
		}
		return
	}
	var last *geocode.Fix
	if f, ok := dev.Series.Last(); ok {
		last = &f
	}
	err = co.not.SendSOS(ctx, b.NotifyTo, dev.FSN(), last)
	if err != nil {
		co.log.Error().Err(err).Str("event", DOWNSTREAM_ERROR).EmbedObject(dev).Msg("sos notification failed")
	}
}

// forward pushes only the newly accepted fixes to the live channel of the
// currently bound event, and announces them on the in-process bus for the
// monitoring and cache-invalidation subscribers.
func (co *Coordinator) forward(ctx context.Context, dev *device.Device, accepted []geocode.Fix) {
	b, err := co.reg.FindActiveBinding(ctx, dev, co.now())
	if err == nil {
		channel, kerr := co.keys.Channel(b.EventId)
		if kerr == nil {
			if perr := co.pub.Publish(ctx, channel, accepted); perr != nil {
				co.log.Error().Err(perr).Str("event", DOWNSTREAM_ERROR).EmbedObject(dev).Msg("live publish failed")
			}
		}
	} else if !errors.Is(err, registry.ErrNoBinding) {
		co.log.Error().Err(err).Str("event", DOWNSTREAM_ERROR).EmbedObject(dev).Msg("binding lookup failed")
	}

	err = co.bus.Emit(ctx, event.TopicFixAccepted, event.FixAccepted{TrackerId: dev.Id, IMEI: dev.IMEI, Fixes: accepted})
	if err != nil {
		co.log.Error().Err(err).Str("event", DOWNSTREAM_ERROR).EmbedObject(dev).Msg("bus emit failed")
	}
}
