package net

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/lcx/tilesync/metrics"
)

const (
	// FragmentHeaderSize is magic(2) + message id(4) + part index(2) + part count(2).
	FragmentHeaderSize = 10

	fragMagic0 = 0xFE
	fragMagic1 = 0xA7

	// DefaultMaxPending bounds the incomplete messages buffered per connection.
	DefaultMaxPending = 64
)

// IsFragment reports whether p starts with the fragment magic and a full header.
func IsFragment(p []byte) bool {
	return len(p) >= FragmentHeaderSize && p[0] == fragMagic0 && p[1] == fragMagic1
}

// Fragment splits payload into packets of at most maxPayload payload bytes each.
// A payload that fits is returned unchanged as the only packet, with no header.
func Fragment(payload []byte, messageID uint32, maxPayload int) ([][]byte, error) {
	if maxPayload <= 0 {
		return nil, fmt.Errorf("maxPayload must be positive, got %d", maxPayload)
	}
	if len(payload) <= maxPayload {
		return [][]byte{payload}, nil
	}

	count := (len(payload) + maxPayload - 1) / maxPayload
	if count > 0xFFFF {
		return nil, fmt.Errorf("payload of %d bytes needs %d fragments", len(payload), count)
	}

	packets := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxPayload
		end := min(start+maxPayload, len(payload))

		p := make([]byte, FragmentHeaderSize+end-start)
		p[0], p[1] = fragMagic0, fragMagic1
		binary.LittleEndian.PutUint32(p[2:6], messageID)
		binary.LittleEndian.PutUint16(p[6:8], uint16(i))
		binary.LittleEndian.PutUint16(p[8:10], uint16(count))
		copy(p[FragmentHeaderSize:], payload[start:end])
		packets = append(packets, p)
	}
	return packets, nil
}

type pendingMessage struct {
	parts    [][]byte
	received int
	order    uint64
}

// Reassembler buffers the fragments of one connection.
// It is safe for concurrent use; Close discards everything still pending.
type Reassembler struct {
	mu         sync.Mutex
	pending    map[uint32]*pendingMessage
	maxPending int
	seq        uint64
	closed     bool
}

// NewReassembler creates a reassembler holding at most maxPending incomplete messages.
// The oldest incomplete message is evicted when a new one would exceed the bound.
func NewReassembler(maxPending int) *Reassembler {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Reassembler{pending: make(map[uint32]*pendingMessage), maxPending: maxPending}
}

// Push accepts one packet. It returns the complete payload and true when packet was
// unfragmented or completed its message. Malformed or inconsistent fragments are dropped.
func (r *Reassembler) Push(packet []byte) ([]byte, bool) {
	if !IsFragment(packet) {
		return packet, true
	}

	id := binary.LittleEndian.Uint32(packet[2:6])
	index := int(binary.LittleEndian.Uint16(packet[6:8]))
	count := int(binary.LittleEndian.Uint16(packet[8:10]))
	if count == 0 || index >= count {
		metrics.IncrCounterWithDimGroup("net", "fragment_dropped_total", 1, metrics.Dimension{"reason": "index"})
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}

	pm, ok := r.pending[id]
	if !ok {
		if len(r.pending) >= r.maxPending {
			r.evictOldest()
		}
		r.seq++
		pm = &pendingMessage{parts: make([][]byte, count), order: r.seq}
		r.pending[id] = pm
	}
	if len(pm.parts) != count {
		metrics.IncrCounterWithDimGroup("net", "fragment_dropped_total", 1, metrics.Dimension{"reason": "count"})
		return nil, false
	}
	if pm.parts[index] != nil {
		// duplicate
		return nil, false
	}

	part := make([]byte, len(packet)-FragmentHeaderSize)
	copy(part, packet[FragmentHeaderSize:])
	pm.parts[index] = part
	pm.received++
	if pm.received < count {
		return nil, false
	}

	delete(r.pending, id)
	size := 0
	for _, p := range pm.parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range pm.parts {
		out = append(out, p...)
	}
	return out, true
}

func (r *Reassembler) evictOldest() {
	var (
		oldestID uint32
		oldest   *pendingMessage
	)
	for id, pm := range r.pending {
		if oldest == nil || pm.order < oldest.order {
			oldestID, oldest = id, pm
		}
	}
	if oldest != nil {
		delete(r.pending, oldestID)
		metrics.IncrCounterWithDimGroup("net", "fragment_dropped_total", 1, metrics.Dimension{"reason": "evicted"})
	}
}

// Pending returns the number of incomplete messages.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close discards every incomplete message. It returns an error wrapping
// ErrIncompleteReassembly when something was discarded; callers normally ignore it.
func (r *Reassembler) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	n := len(r.pending)
	r.pending = make(map[uint32]*pendingMessage)
	if n > 0 {
		return fmt.Errorf("%w: %d messages discarded", ErrIncompleteReassembly, n)
	}
	return nil
}

// MessageIDs hands out per-connection fragment message ids.
type MessageIDs struct {
	mu   sync.Mutex
	next uint32
}

// Next returns the next id, wrapping at 2^32.
func (m *MessageIDs) Next() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return m.next
}
