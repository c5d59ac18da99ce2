package natspub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"

	"nuha.dev/trackserver/internal/geocode"
)

const subjectPrefix = "live."

// Publisher pushes accepted fixes onto NATS, one subject per channel key.
type Publisher struct {
	nc  *nats.Conn
	log log.Logger
}

func New(url string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("trackserver"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	p := &Publisher{nc: nc}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "natspub").Value()
	return p, nil
}

func (p *Publisher) Publish(ctx context.Context, channel string, fixes []geocode.Fix) error {
	data, err := json.Marshal(fixes)
	if err != nil {
		return fmt.Errorf("failed to marshal fixes: %w", err)
	}
	err = p.nc.Publish(subjectPrefix+channel, data)
	if err != nil {
		return fmt.Errorf("failed to publish fixes: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
