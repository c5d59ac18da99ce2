package cmdqueue

import (
	"context"
	"sync"
	"time"
)

// Command is one outbound text command awaiting delivery to a device.
type Command struct {
	Id        uint64
	IMEI      string
	Text      string
	CreatedAt time.Time
	Sent      bool
}

// Queue holds pending commands keyed by hardware identifier. Drains must use
// the cutoff discipline: Pending then MarkSent with the same cutoff, so a
// command enqueued while the drain is in flight is never marked sent without
// having been written.
type Queue interface {
	Enqueue(ctx context.Context, imei string, text string) error
	Pending(ctx context.Context, imei string, cutoff time.Time) ([]Command, error)
	MarkSent(ctx context.Context, imei string, cutoff time.Time) error
}

// Memory is the in-process queue used by tests and single-node deployments.
type Memory struct {
	mu   sync.Mutex
	next uint64
	cmds map[string][]*Command
}

func NewMemory() *Memory {
	return &Memory{cmds: make(map[string][]*Command)}
}

func (m *Memory) Enqueue(ctx context.Context, imei string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.cmds[imei] = append(m.cmds[imei], &Command{Id: m.next, IMEI: imei, Text: text, CreatedAt: time.Now().UTC()})
	return nil
}

// enqueueAt exists for the drain tests, which need controlled timestamps.
func (m *Memory) enqueueAt(imei string, text string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.cmds[imei] = append(m.cmds[imei], &Command{Id: m.next, IMEI: imei, Text: text, CreatedAt: at})
}

func (m *Memory) Pending(ctx context.Context, imei string, cutoff time.Time) ([]Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Command
	for _, c := range m.cmds[imei] {
		if !c.Sent && !c.CreatedAt.After(cutoff) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *Memory) MarkSent(ctx context.Context, imei string, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cmds[imei] {
		if !c.Sent && !c.CreatedAt.After(cutoff) {
			c.Sent = true
		}
	}
	return nil
}
