package geocode

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRoundTripPair(t *testing.T) {
	in := []Fix{
		{Time: 1700000000, Lat: 60.12345, Lon: 24.98765},
		{Time: 1700000005, Lat: 60.12350, Lon: 24.98770},
	}
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	require.Len(t, out, 2)
	for i := range in {
		assert.Equal(t, in[i].Time, out[i].Time)
		assert.InDelta(t, in[i].Lat, out[i].Lat, 1e-5)
		assert.InDelta(t, in[i].Lon, out[i].Lon, 1e-5)
	}
}

func TestEmpty(t *testing.T) {
	assert.Equal(t, "", Encode(nil))
	out, err := Decode("")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 0, Count(""))
}

func TestSingleFixBeforeEpoch(t *testing.T) {
	in := []Fix{{Time: Epoch - 86400, Lat: -33.86882, Lon: 151.20930}}
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, in[0].Time, out[0].Time)
	assert.InDelta(t, in[0].Lat, out[0].Lat, 1e-5)
	assert.InDelta(t, in[0].Lon, out[0].Lon, 1e-5)
}

func TestMalformed(t *testing.T) {
	good := Encode([]Fix{{Time: 1700000000, Lat: 1, Lon: 1}})
	//strip the final terminator chunk
	_, err := Decode(good[:len(good)-1])
	assert.ErrorIs(t, err, ErrMalformed)
	//byte below the chunk base
	_, err = Decode(good + string(rune(10)))
	assert.ErrorIs(t, err, ErrMalformed)
	//continuation chunk with nothing after it
	_, err = Decode(string(rune(chunkBase + chunkCont)))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(t, "n")
		times := make([]int64, n)
		seen := map[int64]bool{}
		for i := range times {
			ts := rapid.Int64Range(1000000000, 2000000000).
				Filter(func(v int64) bool { return !seen[v] }).Draw(t, "ts")
			seen[ts] = true
			times[i] = ts
		}
		sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
		in := make([]Fix, n)
		for i := range in {
			lat := float64(rapid.Int64Range(-90_00000, 90_00000).Draw(t, "lat")) / 1e5
			lon := float64(rapid.Int64Range(-180_00000, 180_00000).Draw(t, "lon")) / 1e5
			in[i] = Fix{Time: times[i], Lat: lat, Lon: lon}
		}
		enc := Encode(in)
		out, err := Decode(enc)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out) != n {
			t.Fatalf("length: got %d want %d", len(out), n)
		}
		for i := range in {
			if out[i].Time != in[i].Time {
				t.Fatalf("fix %d time: got %d want %d", i, out[i].Time, in[i].Time)
			}
			if math.Abs(out[i].Lat-in[i].Lat) > 1e-5 || math.Abs(out[i].Lon-in[i].Lon) > 1e-5 {
				t.Fatalf("fix %d coords: got (%f,%f) want (%f,%f)", i, out[i].Lat, out[i].Lon, in[i].Lat, in[i].Lon)
			}
		}
		if got := Count(enc); got != n {
			t.Fatalf("cheap count: got %d want %d", got, n)
		}
	})
}
