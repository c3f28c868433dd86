// Package store implements the entry store and channel/stream aggregates of
// spec §3-§4.5: append-only per-(channel,stream,author) logs keyed by
// sequence, retention policies, and optional materializers — grounded in
// structure on the teacher's internal/storage.MemoryStore (map + RWMutex,
// byte accounting, a periodic sweep) adapted from a TTL key-value store to
// a multi-author append log.
package store

import (
	"sort"
	"sync"

	"driftmesh/internal/model"
)

type entryKey struct {
	Channel model.ChannelID
	Stream  model.StreamID
	Author  model.NodeID
}

type storedEntry struct {
	entry       model.LogEntry
	fingerprint [32]byte
}

// Store is the append-only entry log shared by every channel/stream pair
// the local node knows about. It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	logs map[entryKey][]storedEntry
}

// New returns an empty Store.
func New() *Store {
	return &Store{logs: make(map[entryKey][]storedEntry)}
}

// Append inserts entry into its (channel,stream,author) log, preserving
// sequence order. Returns appended=true if this is new data. A duplicate
// (author,sequence) with a matching fingerprint is a no-op (idempotent
// merge); a duplicate with a different payload returns an *IntegrityError
// and the first-stored entry is left untouched.
func (s *Store) Append(channel model.ChannelID, stream model.StreamID, entry model.LogEntry) (appended bool, err error) {
	if entry.Sequence < 1 {
		return false, ErrInvalidSequence
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{Channel: channel, Stream: stream, Author: entry.Author}
	log := s.logs[key]
	fp := fingerprint(entry.Payload)

	idx := sort.Search(len(log), func(i int) bool { return log[i].entry.Sequence >= entry.Sequence })
	if idx < len(log) && log[idx].entry.Sequence == entry.Sequence {
		if log[idx].fingerprint == fp {
			return false, nil
		}
		return false, &IntegrityError{
			Channel:  string(channel),
			Stream:   string(stream),
			Author:   string(entry.Author),
			Sequence: entry.Sequence,
		}
	}

	log = append(log, storedEntry{})
	copy(log[idx+1:], log[idx:])
	log[idx] = storedEntry{entry: entry, fingerprint: fp}
	s.logs[key] = log
	return true, nil
}

// LatestSequence returns the highest sequence stored for (channel,stream,author).
func (s *Store) LatestSequence(channel model.ChannelID, stream model.StreamID, author model.NodeID) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[entryKey{Channel: channel, Stream: stream, Author: author}]
	if len(log) == 0 {
		return 0
	}
	return log[len(log)-1].entry.Sequence
}

// VersionVector computes the local version vector for (channel,stream):
// the highest sequence observed per author.
func (s *Store) VersionVector(channel model.ChannelID, stream model.StreamID) model.VersionVector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vv := model.NewVersionVector()
	for key, log := range s.logs {
		if key.Channel != channel || key.Stream != stream || len(log) == 0 {
			continue
		}
		vv.Set(key.Author, log[len(log)-1].entry.Sequence)
	}
	return vv
}

// EntriesAfter returns every entry for (channel,stream) whose author's
// sequence exceeds the corresponding entry in after (0 if absent), sorted
// by (Hlc, author, sequence) per spec §4.5. Used to build a Delta reply.
func (s *Store) EntriesAfter(channel model.ChannelID, stream model.StreamID, after model.VersionVector) []model.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LogEntry
	for key, log := range s.logs {
		if key.Channel != channel || key.Stream != stream {
			continue
		}
		start := after.Get(key.Author)
		for _, se := range log {
			if se.entry.Sequence > start {
				out = append(out, se.entry)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Entries returns every entry stored for (channel,stream), sorted by
// (Hlc, author, sequence).
func (s *Store) Entries(channel model.ChannelID, stream model.StreamID) []model.LogEntry {
	return s.EntriesAfter(channel, stream, model.NewVersionVector())
}

// ApplyRetention prunes (channel,stream) per policy, across all authors'
// entries together (retention is a stream-level concept, spec §4.5), and
// returns the number of entries removed for the caller to report as
// StreamCompacted.
func (s *Store) ApplyRetention(channel model.ChannelID, stream model.StreamID, policy RetentionPolicy, nowMs uint64) int {
	if policy == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var merged []storedEntry
	var keys []entryKey
	before := 0
	for key, log := range s.logs {
		if key.Channel != channel || key.Stream != stream || len(log) == 0 {
			continue
		}
		merged = append(merged, log...)
		keys = append(keys, key)
		before += len(log)
	}
	if before == 0 {
		return 0
	}

	kept := policy.retain(merged, nowMs)
	removed := before - len(kept)

	for _, key := range keys {
		delete(s.logs, key)
	}
	for _, se := range kept {
		key := entryKey{Channel: channel, Stream: stream, Author: se.entry.Author}
		s.logs[key] = append(s.logs[key], se)
	}
	for key, log := range s.logs {
		if key.Channel == channel && key.Stream == stream {
			sort.Slice(log, func(i, j int) bool { return log[i].entry.Sequence < log[j].entry.Sequence })
		}
	}
	return removed
}

// DropStream removes every log belonging to (channel,stream), for channel
// deletion cascades (spec §3: "deletion cascades entries").
func (s *Store) DropStream(channel model.ChannelID, stream model.StreamID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.logs {
		if key.Channel == channel && key.Stream == stream {
			delete(s.logs, key)
		}
	}
}

// DropChannel removes every log belonging to channel.
func (s *Store) DropChannel(channel model.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.logs {
		if key.Channel == channel {
			delete(s.logs, key)
		}
	}
}
