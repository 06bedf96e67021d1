package storage

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"peerlinks/internal/message"
)

var ErrEntityNotConstructible = errors.New("storage: entity bytes could not be decoded")

type channelState struct {
	messages map[[32]byte]message.Message
	ordered  [][32]byte // sorted by (height ASC, hash ASC), clone-on-write
	leaves   map[[32]byte]struct{}
}

func newChannelState() *channelState {
	return &channelState{
		messages: make(map[[32]byte]message.Message),
		leaves:   make(map[[32]byte]struct{}),
	}
}

// MemoryStorage is the in-memory reference Storage implementation. It favors
// clarity and clone-on-write snapshots of per-channel state over raw
// throughput.
type MemoryStorage struct {
	mu       sync.RWMutex
	channels map[string]*channelState
	entities map[string]map[string][]byte // prefix -> id -> bytes
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		channels: make(map[string]*channelState),
		entities: make(map[string]map[string][]byte),
	}
}

// channel returns the channelState for channelID, creating and storing one
// if none exists yet. This writes to s.channels, so every caller must hold
// the full Lock, not just RLock.
func (s *MemoryStorage) channel(channelID []byte) *channelState {
	key := string(channelID)
	cs, ok := s.channels[key]
	if !ok {
		cs = newChannelState()
		s.channels[key] = cs
	}
	return cs
}

// channelRO returns the channelState for channelID without creating or
// storing one: an id with no state yet reads as a fresh, unshared empty
// channelState. It never writes to s.channels, so it's safe for callers
// that only hold RLock.
func (s *MemoryStorage) channelRO(channelID []byte) *channelState {
	if cs, ok := s.channels[string(channelID)]; ok {
		return cs
	}
	return newChannelState()
}

func less(a, b [32]byte, heightA, heightB int64) bool {
	if heightA != heightB {
		return heightA < heightB
	}
	return bytes.Compare(a[:], b[:]) < 0
}

func (s *MemoryStorage) AddMessage(channelID []byte, m message.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.channel(channelID)
	if _, exists := cs.messages[m.Hash]; exists {
		return false, nil
	}

	nextMessages := make(map[[32]byte]message.Message, len(cs.messages)+1)
	for k, v := range cs.messages {
		nextMessages[k] = v
	}
	nextMessages[m.Hash] = m

	pos := sort.Search(len(cs.ordered), func(i int) bool {
		h := cs.ordered[i]
		return !less(h, m.Hash, nextMessages[h].Height, m.Height)
	})
	nextOrdered := make([][32]byte, 0, len(cs.ordered)+1)
	nextOrdered = append(nextOrdered, cs.ordered[:pos]...)
	nextOrdered = append(nextOrdered, m.Hash)
	nextOrdered = append(nextOrdered, cs.ordered[pos:]...)

	nextLeaves := make(map[[32]byte]struct{}, len(cs.leaves)+1)
	for k := range cs.leaves {
		nextLeaves[k] = struct{}{}
	}
	for _, p := range m.Parents {
		var ph [32]byte
		copy(ph[:], p)
		delete(nextLeaves, ph)
	}
	nextLeaves[m.Hash] = struct{}{}

	cs.messages = nextMessages
	cs.ordered = nextOrdered
	cs.leaves = nextLeaves
	return true, nil
}

func (s *MemoryStorage) GetMessageCount(channelID []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channelRO(channelID).messages), nil
}

func (s *MemoryStorage) HasMessage(channelID []byte, hash [32]byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channelRO(channelID).messages[hash]
	return ok, nil
}

func (s *MemoryStorage) GetMessage(channelID []byte, hash [32]byte) (message.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.channelRO(channelID).messages[hash]
	return m, ok, nil
}

func (s *MemoryStorage) GetMessages(channelID []byte, hashes [][32]byte) ([]*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs := s.channelRO(channelID)
	out := make([]*message.Message, len(hashes))
	for i, h := range hashes {
		if m, ok := cs.messages[h]; ok {
			mc := m
			out[i] = &mc
		}
	}
	return out, nil
}

func (s *MemoryStorage) GetMessageAtOffset(channelID []byte, offset int) (message.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs := s.channelRO(channelID)
	if offset < 0 || offset >= len(cs.ordered) {
		return message.Message{}, false, nil
	}
	return cs.messages[cs.ordered[offset]], true, nil
}

func (s *MemoryStorage) GetLeaves(channelID []byte) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs := s.channelRO(channelID)
	out := make([]message.Message, 0, len(cs.leaves))
	for h := range cs.leaves {
		out = append(out, cs.messages[h])
	}
	return out, nil
}

// Query implements the abbreviated-slice lookup described for Channel.query:
// resolve the cursor to an index into the CRDT order, then slice forward or
// backward by limit.
func (s *MemoryStorage) Query(channelID []byte, cursor Cursor, isBackward bool, limit int) (QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs := s.channelRO(channelID)

	var index int
	switch {
	case cursor.HasHash:
		idx := -1
		for i, h := range cs.ordered {
			if h == cursor.Hash {
				idx = i
				break
			}
		}
		if idx < 0 {
			return QueryResult{}, nil
		}
		index = idx
	case cursor.HasHeight:
		minLeafHeight := int64(0)
		first := true
		for h := range cs.leaves {
			if lh := cs.messages[h].Height; first || lh < minLeafHeight {
				minLeafHeight = lh
				first = false
			}
		}
		height := cursor.Height
		if height > minLeafHeight {
			height = minLeafHeight
		}
		idx := sort.Search(len(cs.ordered), func(i int) bool {
			return cs.messages[cs.ordered[i]].Height >= height
		})
		index = idx
	default:
		index = 0
	}

	var start, end int
	if isBackward {
		start, end = index-limit, index
		if start < 0 {
			start = 0
		}
	} else {
		start, end = index, index+limit
		if end > len(cs.ordered) {
			end = len(cs.ordered)
		}
	}
	if start > end {
		start = end
	}

	result := QueryResult{}
	for _, h := range cs.ordered[start:end] {
		result.Messages = append(result.Messages, cs.messages[h])
	}
	if end < len(cs.ordered) {
		result.ForwardHash = cs.ordered[end]
		result.HasForward = true
	}
	if start > 0 {
		result.BackwardHash = cs.ordered[start]
		result.HasBackward = true
	}
	return result, nil
}

func (s *MemoryStorage) StoreEntity(prefix, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.entities[prefix]
	if !ok {
		bucket = make(map[string][]byte)
		s.entities[prefix] = bucket
	}
	bucket[id] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStorage) RetrieveEntity(prefix, id string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.entities[prefix]
	if !ok {
		return nil, false, nil
	}
	data, ok := bucket[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (s *MemoryStorage) RemoveEntity(prefix, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.entities[prefix]; ok {
		delete(bucket, id)
	}
	return nil
}

func (s *MemoryStorage) GetEntityKeys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.entities[prefix]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(bucket))
	for id := range bucket {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys, nil
}
