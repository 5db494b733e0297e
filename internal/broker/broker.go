// Package broker provides the stream and key-value abstractions the worker
// subsystem uses to communicate. The production implementation is backed by
// Redis streams and keys; an in-memory implementation backs tests.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("broker: key not found")

// ErrNoMessage is returned when a blocking read times out with no entry.
var ErrNoMessage = errors.New("broker: no message")

// Message is a single stream entry. Payload holds the JSON blob carried in
// the entry's `data` field; entries written with multiple named fields are
// re-encoded into a single JSON object on read.
type Message struct {
	ID      string
	Stream  string
	Payload []byte
}

// Broker ties together the stream, key, and hash operations of the bus.
type Broker interface {
	// Add appends a payload to a stream under the `data` field convention
	// and returns the broker-assigned entry id.
	Add(ctx context.Context, stream string, payload []byte) (string, error)

	// EnsureGroup creates a consumer group reading from the start of the
	// stream. Creating a group that already exists is not an error.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup block-reads at most one entry for the consumer. It returns
	// ErrNoMessage when the block window elapses with nothing to deliver.
	ReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration) (*Message, error)

	// Ack acknowledges an entry for a group.
	Ack(ctx context.Context, stream, group, id string) error

	// ReadPending re-delivers the oldest entry that was delivered to this
	// consumer but never acknowledged, e.g. before a crash. It returns
	// ErrNoMessage when the consumer has nothing pending.
	ReadPending(ctx context.Context, stream, group, consumer string) (*Message, error)

	// GroupLag reports how many entries of the stream have not yet been
	// delivered to the group. A missing stream or group counts as zero.
	GroupLag(ctx context.Context, stream, group string) (int64, error)

	// ReadRange reads up to count entries from a stream starting at the
	// given id ("-" for the beginning).
	ReadRange(ctx context.Context, stream, start string, count int64) ([]Message, error)

	// Set stores a value under a key with a TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores a value only when the key is absent. It reports whether
	// the write won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value under a key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Expire refreshes the TTL on a key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// HSet writes fields into a hash.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HGetAll returns all fields of a hash; an absent hash yields an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// DecodeEntry applies the wire compatibility rule to a raw stream entry: a
// single `data` field is taken verbatim as the payload, anything else is
// re-encoded as one JSON object of the entry's fields.
func DecodeEntry(values map[string]interface{}) ([]byte, error) {
	if len(values) == 1 {
		if raw, ok := values["data"]; ok {
			switch v := raw.(type) {
			case string:
				return []byte(v), nil
			case []byte:
				return v, nil
			}
		}
	}
	return json.Marshal(values)
}
