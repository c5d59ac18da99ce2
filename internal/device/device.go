package device

import (
	"github.com/phuslu/log"

	"nuha.dev/trackserver/internal/series"
)

const (
	PROTO_GT06     string = "gt06"
	PROTO_QUECLINK string = "queclink"
)

// Device is the registry record for one tracker. Battery is nil until the
// device reports it. Revision is the registry's optimistic concurrency token
// over the stored series.
type Device struct {
	Id       uint64
	IMEI     string
	Protocol string
	Battery  *int
	Series   *series.Series
	Revision int64
}

// FSN is the formatted serial number used in logs and notifications.
func (d *Device) FSN() string {
	return "imei:" + d.IMEI
}

func (d *Device) MarshalObject(e *log.Entry) {
	e.Uint64("tracker_id", d.Id).Str("imei", d.IMEI).Str("protocol", d.Protocol)
}
