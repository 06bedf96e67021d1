package storage

import "peerlinks/internal/message"

// Cursor selects a starting point for Query: either a height (full-sync
// style) or a specific message hash.
type Cursor struct {
	HasHeight bool
	Height    int64
	Hash      [32]byte
	HasHash   bool
}

// QueryResult is the abbreviated-message slice Channel.query returns to a peer.
type QueryResult struct {
	Messages     []message.Message
	ForwardHash  [32]byte
	HasForward   bool
	BackwardHash [32]byte
	HasBackward  bool
}

// Storage is the channel-scoped persistence interface the core depends on.
// A concrete backend (SQLite, LevelDB, in-memory, ...) implements this; the
// core never touches bytes on disk directly.
type Storage interface {
	AddMessage(channelID []byte, m message.Message) (added bool, err error)
	GetMessageCount(channelID []byte) (int, error)
	HasMessage(channelID []byte, hash [32]byte) (bool, error)
	GetMessage(channelID []byte, hash [32]byte) (message.Message, bool, error)
	GetMessages(channelID []byte, hashes [][32]byte) ([]*message.Message, error)
	GetMessageAtOffset(channelID []byte, offset int) (message.Message, bool, error)
	GetLeaves(channelID []byte) ([]message.Message, error)
	Query(channelID []byte, cursor Cursor, isBackward bool, limit int) (QueryResult, error)

	StoreEntity(prefix, id string, data []byte) error
	RetrieveEntity(prefix, id string) ([]byte, bool, error)
	RemoveEntity(prefix, id string) error
	GetEntityKeys(prefix string) ([]string, error)
}
