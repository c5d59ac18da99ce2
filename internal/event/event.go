package event

import (
	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"

	"nuha.dev/trackserver/internal/geocode"
)

const (
	TopicFixAccepted = "fix.accepted"
	TopicDeviceAlarm = "device.alarm"
)

// FixAccepted is emitted once per ingest call that accepted at least one fix.
type FixAccepted struct {
	TrackerId uint64
	IMEI      string
	Fixes     []geocode.Fix
}

type DeviceAlarm struct {
	TrackerId uint64
	IMEI      string
}

// NewBus builds the in-process bus carrying ingest side effects to the
// monitoring and cache-invalidation subscribers.
func NewBus(node uint64) (*bus.Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, 0)
	if err != nil {
		return nil, err
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicFixAccepted, TopicDeviceAlarm)
	return b, nil
}
