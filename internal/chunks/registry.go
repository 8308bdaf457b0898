// Package chunks decouples stream production from UI observation: an
// in-memory publish/replay buffer keyed by message ID. Late subscribers are
// replayed the accumulated buffer; entries are discarded when their stream
// ends.
package chunks

import (
	"strings"
	"sync"
)

// ChunkFunc receives newly applied content for a message.
type ChunkFunc func(chunk string)

// EndFunc receives the final accumulated buffer when a stream ends.
type EndFunc func(final string)

type subscriber struct {
	onChunk ChunkFunc
	onEnd   EndFunc
}

type entry struct {
	buf    string
	subs   map[int]*subscriber
	nextID int
	seq    uint64
}

// maxStreams caps concurrent entries so a stream that never ends cannot
// hold its buffer for the tab's lifetime. At capacity the stalest entry is
// ended and discarded.
const maxStreams = 32

// Registry accumulates streamed content per message and replays it to
// subscribers. All methods are safe for concurrent use; callbacks are
// invoked outside the registry lock.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*entry
	seq     uint64
}

func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*entry)}
}

// evicted carries the subscribers of a capacity-evicted entry out of the
// lock so they can be notified of the final buffer.
type evicted struct {
	final string
	subs  []*subscriber
}

// getOrCreateLocked returns the entry for the id, creating it and evicting
// the least recently touched entry when at capacity. Caller holds r.mu.
func (r *Registry) getOrCreateLocked(messageID string) (*entry, *evicted) {
	if e, ok := r.streams[messageID]; ok {
		return e, nil
	}
	var ev *evicted
	if len(r.streams) >= maxStreams {
		staleID := ""
		var stale *entry
		for id, e := range r.streams {
			if stale == nil || e.seq < stale.seq {
				staleID, stale = id, e
			}
		}
		delete(r.streams, staleID)
		ev = &evicted{final: stale.buf, subs: snapshotSubs(stale)}
	}
	r.seq++
	e := &entry{subs: make(map[int]*subscriber), seq: r.seq}
	r.streams[messageID] = e
	return e, ev
}

func notifyEvicted(ev *evicted) {
	if ev == nil {
		return
	}
	for _, s := range ev.subs {
		if s.onEnd != nil {
			s.onEnd(ev.final)
		}
	}
}

// Subscribe registers callbacks for a message stream and returns an
// unsubscribe function. If the stream is already active the subscriber is
// immediately replayed the current accumulated buffer.
func (r *Registry) Subscribe(messageID string, onChunk ChunkFunc, onEnd EndFunc) func() {
	r.mu.Lock()
	e, ev := r.getOrCreateLocked(messageID)
	id := e.nextID
	e.nextID++
	e.subs[id] = &subscriber{onChunk: onChunk, onEnd: onEnd}
	replay := e.buf
	r.mu.Unlock()

	notifyEvicted(ev)
	if replay != "" && onChunk != nil {
		onChunk(replay)
	}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if e, ok := r.streams[messageID]; ok {
			delete(e.subs, id)
		}
	}
}

// Append applies a payload to a message stream. The payload may be either
// the full accumulated snapshot or an additive delta; it is a snapshot when
// it is at least as long as the current buffer and the buffer is its prefix,
// otherwise a delta. Re-delivery of an already-seen snapshot is a no-op.
func (r *Registry) Append(messageID, payload string) {
	if payload == "" {
		return
	}
	r.mu.Lock()
	e, ev := r.getOrCreateLocked(messageID)
	r.seq++
	e.seq = r.seq
	var delta string
	if len(payload) >= len(e.buf) && strings.HasPrefix(payload, e.buf) {
		delta = payload[len(e.buf):]
		e.buf = payload
	} else {
		delta = payload
		e.buf += payload
	}
	subs := snapshotSubs(e)
	r.mu.Unlock()

	notifyEvicted(ev)
	if delta == "" {
		return
	}
	for _, s := range subs {
		if s.onChunk != nil {
			s.onChunk(delta)
		}
	}
}

// Buffer returns the current accumulated content for a message stream.
func (r *Registry) Buffer(messageID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.streams[messageID]; ok {
		return e.buf
	}
	return ""
}

// Active reports whether a stream entry exists for the message.
func (r *Registry) Active(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[messageID]
	return ok
}

// EndStream notifies subscribers with the final buffer and discards the
// entry. Ending an unknown stream is a no-op.
func (r *Registry) EndStream(messageID string) {
	r.mu.Lock()
	e, ok := r.streams[messageID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.streams, messageID)
	final := e.buf
	subs := snapshotSubs(e)
	r.mu.Unlock()

	for _, s := range subs {
		if s.onEnd != nil {
			s.onEnd(final)
		}
	}
}

func snapshotSubs(e *entry) []*subscriber {
	out := make([]*subscriber, 0, len(e.subs))
	for _, s := range e.subs {
		out = append(out, s)
	}
	return out
}
