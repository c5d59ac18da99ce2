package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/trackserver/internal/geocode"
)

// Notifier alerts humans when a device raises SOS. lastFix is nil when the
// device has never produced a stored position.
type Notifier interface {
	SendSOS(ctx context.Context, addrs []string, fsn string, lastFix *geocode.Fix) error
}

type Null struct{}

func (Null) SendSOS(ctx context.Context, addrs []string, fsn string, lastFix *geocode.Fix) error {
	return nil
}

// SMTP submits the alert mail directly to one relay.
type SMTP struct {
	addr string //host:port of the relay
	from string
	auth smtp.Auth
	log  log.Logger
}

func NewSMTP(addr, from, username, password string) *SMTP {
	s := &SMTP{addr: addr, from: from}
	if username != "" {
		host := addr
		if i := strings.IndexByte(addr, ':'); i >= 0 {
			host = addr[:i]
		}
		s.auth = smtp.PlainAuth("", username, password, host)
	}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "notify").Value()
	return s
}

func (s *SMTP) SendSOS(ctx context.Context, addrs []string, fsn string, lastFix *geocode.Fix) error {
	if len(addrs) == 0 {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(addrs, ", "))
	fmt.Fprintf(&b, "Subject: SOS from tracker %s\r\n\r\n", fsn)
	fmt.Fprintf(&b, "Tracker %s raised an SOS alarm.\r\n", fsn)
	if lastFix != nil {
		fmt.Fprintf(&b, "Last known position: %.5f,%.5f at %s\r\n",
			lastFix.Lat, lastFix.Lon, time.Unix(lastFix.Time, 0).UTC().Format(time.RFC3339))
	} else {
		b.WriteString("No position has been recorded for this tracker yet.\r\n")
	}
	err := smtp.SendMail(s.addr, s.auth, s.from, addrs, []byte(b.String()))
	if err != nil {
		return fmt.Errorf("failed to submit sos mail: %w", err)
	}
	s.log.Info().Str("fsn", fsn).Strs("to", addrs).Msg("sos mail submitted")
	return nil
}
