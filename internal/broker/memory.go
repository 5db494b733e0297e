package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBroker implements Broker with in-process state. It mirrors the
// consumer-group delivery semantics of the Redis implementation closely
// enough for tests: one entry per read, per-group cursors, explicit acks.
type MemoryBroker struct {
	mu      sync.Mutex
	streams map[string]*memStream
	kv      map[string]memValue
	hashes  map[string]map[string]string
	notify  chan struct{}
	closed  bool
}

type memStream struct {
	entries []Message
	seq     int64
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor  int
	pending map[string]string // entry id -> consumer it was delivered to
}

type memValue struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		streams: make(map[string]*memStream),
		kv:      make(map[string]memValue),
		hashes:  make(map[string]map[string]string),
		notify:  make(chan struct{}),
	}
}

func (b *MemoryBroker) stream(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		b.streams[name] = s
	}
	return s
}

// Add appends a payload to a stream and wakes blocked readers.
func (b *MemoryBroker) Add(ctx context.Context, stream string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", fmt.Errorf("broker is closed")
	}

	s := b.stream(stream)
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.entries = append(s.entries, Message{ID: id, Stream: stream, Payload: payload})

	close(b.notify)
	b.notify = make(chan struct{})

	return id, nil
}

// EnsureGroup creates a consumer group reading from the stream start.
func (b *MemoryBroker) EnsureGroup(ctx context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: make(map[string]string)}
	}
	return nil
}

// ReadGroup delivers the next undelivered entry or blocks until the window
// elapses.
func (b *MemoryBroker) ReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration) (*Message, error) {
	deadline := time.Now().Add(block)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("broker is closed")
		}
		s := b.stream(stream)
		g, ok := s.groups[group]
		if !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("no such group %q on stream %q", group, stream)
		}
		if g.cursor < len(s.entries) {
			msg := s.entries[g.cursor]
			g.cursor++
			g.pending[msg.ID] = consumer
			b.mu.Unlock()
			return &msg, nil
		}
		ch := b.notify
		b.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-time.After(wait):
			return nil, ErrNoMessage
		}
	}
}

// ReadPending re-delivers the consumer's oldest unacknowledged entry.
func (b *MemoryBroker) ReadPending(ctx context.Context, stream, group, consumer string) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("no such group %q on stream %q", group, stream)
	}
	for _, e := range s.entries {
		if g.pending[e.ID] == consumer {
			msg := e
			return &msg, nil
		}
	}
	return nil, ErrNoMessage
}

// GroupLag reports the group's undelivered entry count.
func (b *MemoryBroker) GroupLag(ctx context.Context, stream, group string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries) - g.cursor), nil
}

// Ack removes an entry from a group's pending set.
func (b *MemoryBroker) Ack(ctx context.Context, stream, group, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(stream)
	if g, ok := s.groups[group]; ok {
		delete(g.pending, id)
	}
	return nil
}

// Pending returns the unacknowledged entry ids for a group. Test helper.
func (b *MemoryBroker) Pending(stream, group string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	return ids
}

// ReadRange reads up to count entries from a stream.
func (b *MemoryBroker) ReadRange(ctx context.Context, stream, start string, count int64) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(stream)
	out := make([]Message, 0, len(s.entries))
	for _, e := range s.entries {
		if start != "" && start != "-" && e.ID < start {
			continue
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (b *MemoryBroker) getLocked(key string) (memValue, bool) {
	v, ok := b.kv[key]
	if !ok {
		return memValue{}, false
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(b.kv, key)
		return memValue{}, false
	}
	return v, true
}

// Set stores a value with a TTL.
func (b *MemoryBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := memValue{value: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	b.kv[key] = v
	return nil
}

// SetNX stores a value only when the key is absent.
func (b *MemoryBroker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.getLocked(key); ok {
		return false, nil
	}
	v := memValue{value: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	b.kv[key] = v
	return true, nil
}

// Get returns the value under a key.
func (b *MemoryBroker) Get(ctx context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.getLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return v.value, nil
}

// Expire refreshes the TTL on a key.
func (b *MemoryBroker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.getLocked(key)
	if !ok {
		return nil
	}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	} else {
		v.expiresAt = time.Time{}
	}
	b.kv[key] = v
	return nil
}

// Delete removes a key of any type.
func (b *MemoryBroker) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.kv, key)
	delete(b.hashes, key)
	return nil
}

// HSet writes fields into a hash.
func (b *MemoryBroker) HSet(ctx context.Context, key string, fields map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.hashes[key]
	if !ok {
		h = make(map[string]string)
		b.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

// HGetAll returns all fields of a hash.
func (b *MemoryBroker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, len(b.hashes[key]))
	for k, v := range b.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// Ping always succeeds while the broker is open.
func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("broker is closed")
	}
	return nil
}

// Close marks the broker closed and wakes blocked readers.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.notify)
		b.notify = make(chan struct{})
	}
	return nil
}
