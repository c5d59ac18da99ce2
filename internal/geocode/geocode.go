package geocode

import (
	"errors"
	"math"
)

// Epoch is the reference second for the first timestamp of every encoded
// series (2010-01-01T00:00:00Z). Changing it makes previously stored series
// undecodable, treat it as frozen.
const Epoch int64 = 1262304000

// Fix is one GPS position sample.
type Fix struct {
	Time int64   `json:"t"` //unix seconds
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

var ErrMalformed = errors.New("geocode: malformed series")

const (
	chunkBits = 5
	chunkCont = 0x20
	chunkBase = 63
)

func appendUnsigned(dst []byte, v uint64) []byte {
	for v >= chunkCont {
		dst = append(dst, byte(v&0x1f|chunkCont)+chunkBase)
		v >>= chunkBits
	}
	return append(dst, byte(v)+chunkBase)
}

func appendSigned(dst []byte, v int64) []byte {
	s := v << 1
	if v < 0 {
		s = ^s
	}
	return appendUnsigned(dst, uint64(s))
}

type decoder struct {
	s   string
	pos int
}

func (d *decoder) unsigned() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if d.pos >= len(d.s) {
			return 0, ErrMalformed
		}
		c := int(d.s[d.pos]) - chunkBase
		if c < 0 {
			return 0, ErrMalformed
		}
		d.pos++
		v |= uint64(c&0x1f) << shift
		if c < chunkCont {
			return v, nil
		}
		shift += chunkBits
	}
}

func (d *decoder) signed() (int64, error) {
	u, err := d.unsigned()
	if err != nil {
		return 0, err
	}
	v := int64(u >> 1)
	if u&1 != 0 {
		v = ^v
	}
	return v, nil
}

func scale(deg float64) int64 {
	return int64(math.Round(deg * 1e5))
}

// Encode packs fixes into the compact delta form. The input must already be
// sorted ascending by Time; Encode of an unsorted slice produces a string
// Decode cannot reverse (the time delta of later fixes is unsigned).
func Encode(fixes []Fix) string {
	buf := make([]byte, 0, len(fixes)*8)
	t := Epoch
	var lat, lon int64
	for i, f := range fixes {
		slat := scale(f.Lat)
		slon := scale(f.Lon)
		if i == 0 {
			buf = appendSigned(buf, f.Time-t)
		} else {
			buf = appendUnsigned(buf, uint64(f.Time-t))
		}
		buf = appendSigned(buf, slat-lat)
		buf = appendSigned(buf, slon-lon)
		t, lat, lon = f.Time, slat, slon
	}
	return string(buf)
}

// Decode reverses Encode. A truncated field or a byte below the chunk base
// yields ErrMalformed; the partial prefix is never returned.
func Decode(s string) ([]Fix, error) {
	d := decoder{s: s}
	fixes := make([]Fix, 0, Count(s))
	t := Epoch
	var lat, lon int64
	for d.pos < len(s) {
		if len(fixes) == 0 {
			dt, err := d.signed()
			if err != nil {
				return nil, err
			}
			t += dt
		} else {
			dt, err := d.unsigned()
			if err != nil {
				return nil, err
			}
			t += int64(dt)
		}
		dlat, err := d.signed()
		if err != nil {
			return nil, err
		}
		dlon, err := d.signed()
		if err != nil {
			return nil, err
		}
		lat += dlat
		lon += dlon
		fixes = append(fixes, Fix{Time: t, Lat: float64(lat) / 1e5, Lon: float64(lon) / 1e5})
	}
	return fixes, nil
}

// Count returns the number of fixes in s without decoding it: every encoded
// field ends in exactly one chunk with the continuation bit clear, and each
// fix is three fields.
func Count(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if c := int(s[i]) - chunkBase; 0 <= c && c < chunkCont {
			n++
		}
	}
	return n / 3
}
