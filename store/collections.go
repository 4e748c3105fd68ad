package store

import "time"

// Collection names one of the fixed record collections.
type Collection string

const (
	ChatMessages Collection = "chatMessages"
	UserProfile  Collection = "userProfile"
	Interviews   Collection = "interviews"
	VoiceClones  Collection = "voiceClones"
	MemoryNodes  Collection = "memoryNodes"
)

// KeyPath is the payload field holding the primary key of every collection.
const KeyPath = "id"

// Index is a secondary lookup on a payload field.
type Index struct {
	// Name is the payload field the index is built from.
	Name   string
	column string
}

type schema struct {
	table   string
	indexes []Index
	// since is the schema version that introduced the collection.
	since int
}

var schemas = map[Collection]schema{
	ChatMessages: {table: "chat_messages", since: 1, indexes: []Index{{Name: "sessionId", column: "session_id"}}},
	UserProfile:  {table: "user_profile", since: 1, indexes: []Index{{Name: "userId", column: "user_id"}}},
	Interviews:   {table: "interviews", since: 1, indexes: []Index{{Name: "userId", column: "user_id"}}},
	VoiceClones:  {table: "voice_clones", since: 1, indexes: []Index{{Name: "userId", column: "user_id"}}},
	MemoryNodes: {table: "memory_nodes", since: 2, indexes: []Index{
		{Name: "type", column: "node_type"},
		{Name: "userId", column: "user_id"},
	}},
}

// Collections returns every collection, in a stable order.
func Collections() []Collection {
	return []Collection{ChatMessages, UserProfile, Interviews, VoiceClones, MemoryNodes}
}

// Indexes returns the secondary indexes of a collection.
func Indexes(c Collection) []Index {
	return schemas[c].indexes
}

func (s schema) index(name string) (Index, bool) {
	for _, idx := range s.indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// Record is a domain payload plus the bookkeeping fields kept by the store.
type Record struct {
	Key       string         `json:"id"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Synced    bool           `json:"synced"`
}
