package registry

import (
	"context"
	"errors"
	"time"

	"nuha.dev/trackserver/internal/device"
)

var (
	//returned by deployments that require pre-registration
	ErrUnknownDevice = errors.New("registry: unknown device")
	//optimistic save lost against a concurrent writer; reload and retry
	ErrConflict = errors.New("registry: revision conflict")
	ErrNoBinding = errors.New("registry: no active binding")
)

// Binding ties a device to the competitor/event window active at some
// instant, with the addresses to alert on SOS.
type Binding struct {
	EventId  uint64
	Starts   time.Time
	Ends     time.Time
	NotifyTo []string
}

// Registry is the external device store. Save is a compare-and-swap on the
// device revision so concurrent ingests for one identifier cannot lose fixes.
// Whether FindOrCreateByIMEI auto-creates or returns ErrUnknownDevice is an
// implementation (deployment policy) decision.
type Registry interface {
	FindOrCreateByIMEI(ctx context.Context, imei string) (*device.Device, error)
	Save(ctx context.Context, d *device.Device) error
	FindActiveBinding(ctx context.Context, d *device.Device, at time.Time) (*Binding, error)
}
