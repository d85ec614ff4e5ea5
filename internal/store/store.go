package store

import (
	"sync"

	"github.com/rushil-kapadia/eye-detection/internal/protocol"
)

// SentinelTS marks a channel that has not received any data yet. Every real
// device timestamp is non-negative, so the first valid sample always wins.
const SentinelTS = -1

// Store keeps the most recently accepted message per channel. The receive
// duty is the single writer; any number of readers may take snapshots
// concurrently.
type Store struct {
	mu      sync.RWMutex
	latest  map[protocol.Channel]*protocol.DataMessage
	merges  uint64
	updates uint64
}

// MergeResult reports what one merge call did.
type MergeResult struct {
	// Updated lists the channels whose stored sample was replaced.
	Updated []protocol.Channel
	// Stale counts channels skipped because the stored timestamp was
	// already at or past the message timestamp.
	Stale int
}

// New creates a store with every channel set to the sentinel sample.
func New() *Store {
	latest := make(map[protocol.Channel]*protocol.DataMessage, len(protocol.Channels))
	for _, ch := range protocol.Channels {
		latest[ch] = &protocol.DataMessage{TS: SentinelTS}
	}
	return &Store{latest: latest}
}

// Merge applies one datagram to the store. For every channel the message
// carries, the stored sample is replaced by the whole message iff the
// message is valid (status 0) and strictly newer than the stored sample.
// Channels the message does not carry are untouched; each channel's merge
// is independent, so one bad field never aborts its siblings.
func (s *Store) Merge(msg *protocol.DataMessage) MergeResult {
	var res MergeResult

	channels := msg.Channels()
	if len(channels) == 0 {
		return res
	}

	valid := msg.Valid()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.merges++
	for _, ch := range channels {
		if !valid {
			continue
		}
		if msg.TS <= s.latest[ch].TS {
			res.Stale++
			continue
		}
		s.latest[ch] = msg
		s.updates++
		res.Updated = append(res.Updated, ch)
	}
	return res
}

// Latest returns the stored sample for one channel. The sentinel sample
// (TS == SentinelTS) means no data has arrived yet.
func (s *Store) Latest(ch protocol.Channel) *protocol.DataMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest[ch]
}

// Snapshot returns the current best-known sample for every channel. The
// returned map is a copy; stored messages are never mutated after merge,
// so sharing the message pointers is safe.
func (s *Store) Snapshot() map[protocol.Channel]*protocol.DataMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[protocol.Channel]*protocol.DataMessage, len(s.latest))
	for ch, msg := range s.latest {
		out[ch] = msg
	}
	return out
}

// Stats reports merge counters for monitoring.
func (s *Store) Stats() (merges, updates uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.merges, s.updates
}
