package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nuha.dev/trackserver/internal/device"
	"nuha.dev/trackserver/internal/event"
	"nuha.dev/trackserver/internal/geocode"
	"nuha.dev/trackserver/internal/notify"
	"nuha.dev/trackserver/internal/protocol"
	"nuha.dev/trackserver/internal/publish"
	"nuha.dev/trackserver/internal/registry"
	"nuha.dev/trackserver/internal/series"
)

const testIMEI = "490154203237518"

type regState struct {
	id       uint64
	encoded  string
	protocol string
	battery  *int
	revision int64
}

// fakeRegistry stores encoded series per identifier the way the real store
// does, so every FindOrCreateByIMEI hands out an independent decode of the
// committed state.
type fakeRegistry struct {
	mu        sync.Mutex
	nextId    uint64
	state     map[string]*regState
	binding   *registry.Binding
	bindErr   error
	failSaves int
	saves     int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{state: make(map[string]*regState), bindErr: registry.ErrNoBinding}
}

func (r *fakeRegistry) FindOrCreateByIMEI(ctx context.Context, imei string) (*device.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.state[imei]
	if !ok {
		r.nextId++
		st = &regState{id: r.nextId}
		r.state[imei] = st
	}
	s, err := series.FromEncoded(st.encoded)
	if err != nil {
		return nil, err
	}
	return &device.Device{Id: st.id, IMEI: imei, Protocol: st.protocol, Battery: st.battery, Series: s, Revision: st.revision}, nil
}

func (r *fakeRegistry) Save(ctx context.Context, d *device.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.failSaves > 0 {
		r.failSaves--
		return registry.ErrConflict
	}
	st := r.state[d.IMEI]
	if d.Revision != st.revision {
		return registry.ErrConflict
	}
	st.encoded = d.Series.Encoded()
	st.protocol = d.Protocol
	st.battery = d.Battery
	st.revision++
	return nil
}

func (r *fakeRegistry) FindActiveBinding(ctx context.Context, d *device.Device, at time.Time) (*registry.Binding, error) {
	if r.bindErr != nil {
		return nil, r.bindErr
	}
	return r.binding, nil
}

type fakePublisher struct {
	channel string
	fixes   []geocode.Fix
	calls   int
	err     error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, fixes []geocode.Fix) error {
	p.calls++
	p.channel = channel
	p.fixes = fixes
	return p.err
}

type fakeNotifier struct {
	addrs   []string
	fsn     string
	lastFix *geocode.Fix
	calls   int
	err     error
}

func (n *fakeNotifier) SendSOS(ctx context.Context, addrs []string, fsn string, lastFix *geocode.Fix) error {
	n.calls++
	n.addrs = addrs
	n.fsn = fsn
	n.lastFix = lastFix
	return n.err
}

type fixture struct {
	co  *Coordinator
	reg *fakeRegistry
	pub *fakePublisher
	not *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := newFakeRegistry()
	pub := &fakePublisher{}
	not := &fakeNotifier{}
	keys, err := publish.NewKeys("test")
	if err != nil {
		t.Fatal(err)
	}
	b, err := event.NewBus(1)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{co: New(reg, pub, keys, not, b), reg: reg, pub: pub, not: not}
}

func (f *fixture) bind(eventId uint64, addrs ...string) {
	f.reg.bindErr = nil
	f.reg.binding = &registry.Binding{EventId: eventId, NotifyTo: addrs}
}

var _ notify.Notifier = &fakeNotifier{}

func twoFixes() []geocode.Fix {
	return []geocode.Fix{
		{Time: 1700000000, Lat: 60.12345, Lon: 24.98765},
		{Time: 1700000060, Lat: 60.12445, Lon: 24.98865},
	}
}

func TestIngestAppendsAndPublishes(t *testing.T) {
	f := newFixture(t)
	f.bind(7)
	ctx := context.Background()

	accepted, err := f.co.Ingest(ctx, testIMEI, device.PROTO_GT06, &protocol.Report{Fixes: twoFixes()})
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 2 {
		t.Fatalf("accepted: got %d want 2", len(accepted))
	}

	dev, err := f.reg.FindOrCreateByIMEI(ctx, testIMEI)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Series.Len() != 2 {
		t.Errorf("stored series: got %d fixes want 2", dev.Series.Len())
	}
	if dev.Protocol != device.PROTO_GT06 {
		t.Errorf("protocol: got %s", dev.Protocol)
	}

	if f.pub.calls != 1 || len(f.pub.fixes) != 2 {
		t.Errorf("publish: %d calls with %d fixes", f.pub.calls, len(f.pub.fixes))
	}
	if f.pub.channel == "" || f.pub.channel == "7" {
		t.Errorf("channel key leaked or empty: %q", f.pub.channel)
	}
}

func TestIngestDedup(t *testing.T) {
	f := newFixture(t)
	f.bind(7)
	ctx := context.Background()
	rep := &protocol.Report{Fixes: twoFixes()}

	if _, err := f.co.Ingest(ctx, testIMEI, device.PROTO_GT06, rep); err != nil {
		t.Fatal(err)
	}
	accepted, err := f.co.Ingest(ctx, testIMEI, device.PROTO_GT06, rep)
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 0 {
		t.Errorf("replay accepted %d fixes", len(accepted))
	}
	//nothing new, nothing published
	if f.pub.calls != 1 {
		t.Errorf("publish calls: got %d want 1", f.pub.calls)
	}
}

func TestPartialOverlapPublishesOnlyNew(t *testing.T) {
	f := newFixture(t)
	f.bind(7)
	ctx := context.Background()
	fixes := twoFixes()

	if _, err := f.co.Ingest(ctx, testIMEI, device.PROTO_GT06, &protocol.Report{Fixes: fixes[:1]}); err != nil {
		t.Fatal(err)
	}
	accepted, err := f.co.Ingest(ctx, testIMEI, device.PROTO_GT06, &protocol.Report{Fixes: fixes})
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 1 || accepted[0].Time != fixes[1].Time {
		t.Fatalf("accepted: got %+v want only the second fix", accepted)
	}
	if len(f.pub.fixes) != 1 || f.pub.fixes[0].Time != fixes[1].Time {
		t.Errorf("published: got %+v want only the second fix", f.pub.fixes)
	}
}

func TestBatteryPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := 66

	accepted, err := f.co.Ingest(ctx, testIMEI, device.PROTO_GT06, &protocol.Report{Battery: &b})
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 0 {
		t.Errorf("heartbeat accepted fixes: %+v", accepted)
	}
	dev, err := f.reg.FindOrCreateByIMEI(ctx, testIMEI)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Battery == nil || *dev.Battery != 66 {
		t.Errorf("battery: got %v want 66", dev.Battery)
	}
	if f.pub.calls != 0 {
		t.Error("heartbeat reached the publisher")
	}
}

func TestAlarmNotifiesWithLastFix(t *testing.T) {
	f := newFixture(t)
	f.bind(7, "race-control@example.org", "medic@example.org")
	ctx := context.Background()
	fixes := twoFixes()

	_, err := f.co.Ingest(ctx, testIMEI, device.PROTO_GT06, &protocol.Report{Fixes: fixes, Alarm: true})
	if err != nil {
		t.Fatal(err)
	}
	if f.not.calls != 1 {
		t.Fatalf("notifier calls: got %d want 1", f.not.calls)
	}
	if len(f.not.addrs) != 2 {
		t.Errorf("addrs: got %v", f.not.addrs)
	}
	if f.not.fsn != "imei:"+testIMEI {
		t.Errorf("fsn: got %s", f.not.fsn)
	}
	if f.not.lastFix == nil || f.not.lastFix.Time != fixes[1].Time {
		t.Errorf("last fix: got %+v", f.not.lastFix)
	}
}

func TestAlarmWithoutPosition(t *testing.T) {
	f := newFixture(t)
	f.bind(7, "race-control@example.org")
	ctx := context.Background()

	_, err := f.co.Ingest(ctx, testIMEI, device.PROTO_GT06, &protocol.Report{Alarm: true})
	if err != nil {
		t.Fatal(err)
	}
	if f.not.calls != 1 || f.not.lastFix != nil {
		t.Errorf("notify: %d calls, lastFix %+v, want one call with nil fix", f.not.calls, f.not.lastFix)
	}
}

func TestAlarmOutsideEventWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.co.Ingest(ctx, testIMEI, device.PROTO_GT06, &protocol.Report{Fixes: twoFixes(), Alarm: true})
	if err != nil {
		t.Fatal(err)
	}
	if f.not.calls != 0 {
		t.Error("notified with no active binding")
	}
	if f.pub.calls != 0 {
		t.Error("published with no active binding")
	}
}

func TestConflictRetry(t *testing.T) {
	f := newFixture(t)
	f.reg.failSaves = 1
	ctx := context.Background()

	accepted, err := f.co.Ingest(ctx, testIMEI, device.PROTO_GT06, &protocol.Report{Fixes: twoFixes()})
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 2 {
		t.Errorf("accepted after retry: got %d want 2", len(accepted))
	}
	if f.reg.saves != 2 {
		t.Errorf("saves: got %d want 2", f.reg.saves)
	}
}

func TestConflictGivesUp(t *testing.T) {
	f := newFixture(t)
	f.reg.failSaves = maxSaveRetry
	ctx := context.Background()

	_, err := f.co.Ingest(ctx, testIMEI, device.PROTO_GT06, &protocol.Report{Fixes: twoFixes()})
	if !errors.Is(err, registry.ErrConflict) {
		t.Errorf("got %v want conflict after exhausted retries", err)
	}
	if f.reg.saves != maxSaveRetry {
		t.Errorf("saves: got %d want %d", f.reg.saves, maxSaveRetry)
	}
}

func TestDownstreamFailureDoesNotFailIngest(t *testing.T) {
	f := newFixture(t)
	f.bind(7, "race-control@example.org")
	f.pub.err = errors.New("nats is down")
	f.not.err = errors.New("relay refused")
	ctx := context.Background()

	accepted, err := f.co.Ingest(ctx, testIMEI, device.PROTO_GT06, &protocol.Report{Fixes: twoFixes(), Alarm: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 2 {
		t.Errorf("accepted: got %d want 2", len(accepted))
	}
	//the fixes are committed either way
	dev, err := f.reg.FindOrCreateByIMEI(ctx, testIMEI)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Series.Len() != 2 {
		t.Errorf("stored series: got %d fixes want 2", dev.Series.Len())
	}
}

func TestConcurrentIngestSameDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rep := &protocol.Report{Fixes: []geocode.Fix{{Time: int64(1700000000 + i*10), Lat: 60, Lon: 24}}}
			_, err := f.co.Ingest(ctx, testIMEI, device.PROTO_GT06, rep)
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	dev, err := f.reg.FindOrCreateByIMEI(ctx, testIMEI)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Series.Len() != 8 {
		t.Errorf("stored series: got %d fixes want 8", dev.Series.Len())
	}
}
