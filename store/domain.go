package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

type ChatMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	AudioURL  string    `json:"audioUrl,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Synced    bool      `json:"synced"`
}

type Profile struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	Name        string         `json:"name"`
	Email       string         `json:"email,omitempty"`
	AvatarURL   string         `json:"avatarUrl,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Synced      bool           `json:"synced"`
}

type InterviewAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type Interview struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Title     string            `json:"title"`
	Status    string            `json:"status"`
	Answers   []InterviewAnswer `json:"answers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Synced    bool              `json:"synced"`
}

type VoiceClone struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	VoiceID   string    `json:"voiceId,omitempty"`
	SampleURL string    `json:"sampleUrl,omitempty"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Synced    bool      `json:"synced"`
}

// MemoryNode is one node of the user's memory graph.
type MemoryNode struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Links     []string  `json:"links,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Synced    bool      `json:"synced"`
}

// bookkeeping fields live on Record, not in the payload
var bookkeeping = []string{KeyPath, "timestamp", "synced"}

// toRecord converts a typed value into a Record.
func toRecord(v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Record{}, err
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return Record{}, err
	}
	rec := Record{Data: data}
	if id, ok := data[KeyPath].(string); ok {
		rec.Key = id
	}
	if synced, ok := data["synced"].(bool); ok {
		rec.Synced = synced
	}
	if ts, ok := data["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil && !t.IsZero() {
			rec.Timestamp = t
		}
	}
	for _, f := range bookkeeping {
		delete(data, f)
	}
	return rec, nil
}

// fromRecord fills v from a Record, bookkeeping fields included.
func fromRecord(rec Record, v any) error {
	data := make(map[string]any, len(rec.Data)+len(bookkeeping))
	for k, val := range rec.Data {
		data[k] = val
	}
	data[KeyPath] = rec.Key
	data["timestamp"] = rec.Timestamp
	data["synced"] = rec.Synced
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// save writes a domain value as a fresh local change: it is stamped now and
// unsynced, whatever the value carried. Only MarkAsSynced sets synced.
func save(ctx context.Context, m *Manager, c Collection, v any) (string, error) {
	rec, err := toRecord(v)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", c, err)
	}
	rec.Timestamp = m.now()
	rec.Synced = false
	return m.Put(ctx, c, rec)
}

func load[T any](ctx context.Context, m *Manager, c Collection, key string) (*T, error) {
	rec, err := m.Get(ctx, c, key)
	if err != nil || rec == nil {
		return nil, err
	}
	var v T
	if err := fromRecord(*rec, &v); err != nil {
		return nil, fmt.Errorf("decode %s record %s: %w", c, key, err)
	}
	return &v, nil
}

func loadAll[T any](recs []Record, err error) ([]T, error) {
	out := make([]T, 0, len(recs))
	if err != nil {
		return out, err
	}
	for _, rec := range recs {
		var v T
		if err := fromRecord(rec, &v); err != nil {
			return out, fmt.Errorf("decode record %s: %w", rec.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *Manager) SaveChatMessage(ctx context.Context, msg ChatMessage) (string, error) {
	return save(ctx, m, ChatMessages, msg)
}

// GetChatMessages returns the messages of a chat session, oldest first.
func (m *Manager) GetChatMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	return loadAll[ChatMessage](m.GetByIndex(ctx, ChatMessages, "sessionId", sessionID))
}

func (m *Manager) SaveProfile(ctx context.Context, p Profile) (string, error) {
	return save(ctx, m, UserProfile, p)
}

func (m *Manager) GetProfile(ctx context.Context, id string) (*Profile, error) {
	return load[Profile](ctx, m, UserProfile, id)
}

func (m *Manager) SaveInterview(ctx context.Context, i Interview) (string, error) {
	return save(ctx, m, Interviews, i)
}

func (m *Manager) GetInterview(ctx context.Context, id string) (*Interview, error) {
	return load[Interview](ctx, m, Interviews, id)
}

func (m *Manager) GetInterviews(ctx context.Context, userID string) ([]Interview, error) {
	return loadAll[Interview](m.GetByIndex(ctx, Interviews, "userId", userID))
}

func (m *Manager) SaveVoiceClone(ctx context.Context, v VoiceClone) (string, error) {
	return save(ctx, m, VoiceClones, v)
}

func (m *Manager) GetVoiceClone(ctx context.Context, id string) (*VoiceClone, error) {
	return load[VoiceClone](ctx, m, VoiceClones, id)
}

func (m *Manager) GetVoiceClones(ctx context.Context, userID string) ([]VoiceClone, error) {
	return loadAll[VoiceClone](m.GetByIndex(ctx, VoiceClones, "userId", userID))
}

func (m *Manager) SaveMemoryNode(ctx context.Context, n MemoryNode) (string, error) {
	return save(ctx, m, MemoryNodes, n)
}

// GetMemoryNodes returns the memory nodes of a type.
func (m *Manager) GetMemoryNodes(ctx context.Context, nodeType string) ([]MemoryNode, error) {
	return loadAll[MemoryNode](m.GetByIndex(ctx, MemoryNodes, "type", nodeType))
}
