package publish

import (
	"context"

	"github.com/speps/go-hashids/v2"

	"nuha.dev/trackserver/internal/geocode"
)

// Publisher fans newly accepted fixes out to live viewers. The channel key
// addresses one event's live feed; only the new fixes travel, never the full
// series.
type Publisher interface {
	Publish(ctx context.Context, channel string, fixes []geocode.Fix) error
}

type Null struct{}

func (Null) Publish(ctx context.Context, channel string, fixes []geocode.Fix) error {
	return nil
}

// Keys derives opaque channel keys from event ids so feed subjects are not
// enumerable from the outside.
type Keys struct {
	h *hashids.HashID
}

func NewKeys(salt string) (*Keys, error) {
	hd := hashids.NewData()
	hd.Salt = salt
	hd.MinLength = 8
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	return &Keys{h: h}, nil
}

func (k *Keys) Channel(eventId uint64) (string, error) {
	return k.h.EncodeInt64([]int64{int64(eventId)})
}
