package series

import (
	"math"
	"sort"

	"nuha.dev/trackserver/internal/geocode"
)

// Series is the ordered, timestamp-unique fix sequence owned by one device.
// The zero value is not usable, construct through New or FromEncoded.
type Series struct {
	fixes []geocode.Fix
}

func New() *Series {
	return &Series{}
}

// FromEncoded decodes a stored series string. A corrupt string surfaces as
// the codec error, never as a shorter series.
func FromEncoded(s string) (*Series, error) {
	fixes, err := geocode.Decode(s)
	if err != nil {
		return nil, err
	}
	return &Series{fixes: fixes}, nil
}

func (s *Series) Encoded() string {
	return geocode.Encode(s.fixes)
}

func (s *Series) Len() int {
	return len(s.fixes)
}

// Fixes returns the backing slice; callers must not mutate it.
func (s *Series) Fixes() []geocode.Fix {
	return s.fixes
}

func (s *Series) Last() (geocode.Fix, bool) {
	if len(s.fixes) == 0 {
		return geocode.Fix{}, false
	}
	return s.fixes[len(s.fixes)-1], true
}

func validCoord(f geocode.Fix) bool {
	return f.Lat >= -90 && f.Lat <= 90 && f.Lon >= -180 && f.Lon <= 180
}

// Append merges candidates into the series and returns the fixes actually
// accepted. A candidate whose timestamp already exists is discarded (first
// write wins); a candidate with out-of-range coordinates is dropped and the
// rest of the batch still processed. Out-of-order input is fine, the merged
// series is re-sorted.
func (s *Series) Append(candidates []geocode.Fix) []geocode.Fix {
	if len(candidates) == 0 {
		return nil
	}
	have := make(map[int64]bool, len(s.fixes))
	for _, f := range s.fixes {
		have[f.Time] = true
	}
	accepted := make([]geocode.Fix, 0, len(candidates))
	for _, f := range candidates {
		if have[f.Time] || !validCoord(f) {
			continue
		}
		have[f.Time] = true
		accepted = append(accepted, f)
	}
	if len(accepted) == 0 {
		return nil
	}
	s.fixes = append(s.fixes, accepted...)
	sort.Slice(s.fixes, func(i, j int) bool { return s.fixes[i].Time < s.fixes[j].Time })
	return accepted
}

// Range returns the contiguous run of fixes with from <= Time <= to.
func (s *Series) Range(from, to int64) []geocode.Fix {
	lo := sort.Search(len(s.fixes), func(i int) bool { return s.fixes[i].Time >= from })
	hi := sort.Search(len(s.fixes), func(i int) bool { return s.fixes[i].Time > to })
	return s.fixes[lo:hi]
}

func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

// Compact drops duplicate timestamps that slipped past Append and rounds
// coordinates to the codec's 5-decimal resolution. Idempotent.
func (s *Series) Compact() {
	out := s.fixes[:0]
	var prev int64
	for i, f := range s.fixes {
		if i > 0 && f.Time == prev {
			continue
		}
		f.Lat = round5(f.Lat)
		f.Lon = round5(f.Lon)
		out = append(out, f)
		prev = f.Time
	}
	s.fixes = out
}
