package queclink

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"nuha.dev/trackserver/internal/geocode"
)

const (
	reportFRI = "GTFRI" //location report
	reportHBD = "GTHBD" //heartbeat
	reportINF = "GTINF" //device info incl. battery
)

var ErrBadFrame = errors.New("bad frame")

// frame is one $-terminated report split on commas. Field 0 is the full
// header (+RESP:GTFRI), field 1 the protocol version, field 2 the hardware
// identifier, the last field the device's send counter.
type frame struct {
	Type   string
	Fields []string
}

func parseFrame(raw []byte) (*frame, error) {
	s := strings.TrimSpace(string(raw))
	if !strings.HasSuffix(s, "$") {
		return nil, ErrBadFrame
	}
	fields := strings.Split(s[:len(s)-1], ",")
	head := fields[0]
	if !strings.HasPrefix(head, "+RESP:") && !strings.HasPrefix(head, "+ACK:") && !strings.HasPrefix(head, "+BUFF:") {
		return nil, ErrBadFrame
	}
	i := strings.IndexByte(head, ':')
	if i+1 >= len(head) || len(fields) < 4 {
		return nil, ErrBadFrame
	}
	return &frame{Type: head[i+1:], Fields: fields}, nil
}

func (f *frame) imei() string {
	return f.Fields[2]
}

func (f *frame) protoVer() string {
	return f.Fields[1]
}

func (f *frame) serial() string {
	return f.Fields[len(f.Fields)-1]
}

// GTFRI: 8 header fields, count N, then N point groups, then send time and
// counter. Group width is derived from the field total; both the 12-field
// legacy layout and the 13-field current one place longitude, latitude and
// the UTC timestamp at the same group offsets.
const (
	friHeadFields = 8
	friTailFields = 2
	groupLon      = 4
	groupLat      = 5
	groupTime     = 6
)

func parseFRI(f *frame) ([]geocode.Fix, error) {
	n, err := strconv.Atoi(f.Fields[friHeadFields-1])
	if err != nil || n < 1 {
		return nil, ErrBadFrame
	}
	avail := len(f.Fields) - friHeadFields - friTailFields
	if avail < n || avail%n != 0 {
		return nil, ErrBadFrame
	}
	w := avail / n
	if w != 12 && w != 13 {
		return nil, ErrBadFrame
	}
	fixes := make([]geocode.Fix, 0, n)
	for i := 0; i < n; i++ {
		g := f.Fields[friHeadFields+i*w : friHeadFields+(i+1)*w]
		lon, err := strconv.ParseFloat(g[groupLon], 64)
		if err != nil {
			return nil, ErrBadFrame
		}
		lat, err := strconv.ParseFloat(g[groupLat], 64)
		if err != nil {
			return nil, ErrBadFrame
		}
		ts, err := time.ParseInLocation("20060102150405", g[groupTime], time.UTC)
		if err != nil {
			return nil, ErrBadFrame
		}
		fixes = append(fixes, geocode.Fix{Time: ts.Unix(), Lat: lat, Lon: lon})
	}
	return fixes, nil
}

// GTINF carries the battery percentage at field 9; everything else in the
// report is ignored.
func parseINF(f *frame) (int, error) {
	if len(f.Fields) < 12 {
		return 0, ErrBadFrame
	}
	b, err := strconv.Atoi(f.Fields[9])
	if err != nil || b < 0 || b > 100 {
		return 0, ErrBadFrame
	}
	return b, nil
}

func newHeartbeatAck(f *frame) []byte {
	return []byte("+SACK:GTHBD," + f.protoVer() + "," + f.serial() + "$")
}
