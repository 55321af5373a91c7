package memory

import (
	"context"
	"path"
	"strconv"
	"sync"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

const streamMaxLen = 10000

// SignalBus is an in-process domain.SignalBus. Channel names may use the same
// glob patterns Redis PSUBSCRIBE accepts.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[int]subscriber
	nextSub int
	streams map[string]*stream
}

type subscriber struct {
	pattern string
	ch      chan []byte
}

type stream struct {
	seq     uint64
	entries []domain.StreamMessage
}

// NewSignalBus returns an empty SignalBus.
func NewSignalBus() *SignalBus {
	return &SignalBus{subs: make(map[int]subscriber), streams: make(map[string]*stream)}
}

// Publish delivers payload to every matching subscriber. Slow subscribers
// drop messages rather than block the publisher.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads published to matching channels
// until ctx is cancelled.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 128)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscriber{pattern: channel, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// StreamAppend appends payload to stream, trimming the oldest entries past
// the cap.
func (b *SignalBus) StreamAppend(_ context.Context, name string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		s = &stream{}
		b.streams[name] = s
	}
	s.seq++
	s.entries = append(s.entries, domain.StreamMessage{
		ID:      strconv.FormatUint(s.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if len(s.entries) > streamMaxLen {
		s.entries = s.entries[len(s.entries)-streamMaxLen:]
	}
	return nil
}

// StreamRead returns up to count entries after lastID. "0" and "0-0" read
// from the start.
func (b *SignalBus) StreamRead(_ context.Context, name string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := streamSeq(lastID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		return nil, nil
	}
	var out []domain.StreamMessage
	for _, e := range s.entries {
		seq, _ := streamSeq(e.ID)
		if seq <= after {
			continue
		}
		out = append(out, e)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func streamSeq(id string) (uint64, error) {
	if id == "" || id == "0" || id == "0-0" {
		return 0, nil
	}
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	return strconv.ParseUint(id, 10, 64)
}

var _ domain.SignalBus = (*SignalBus)(nil)
