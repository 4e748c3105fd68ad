package store

import (
	"context"
	"testing"
	"time"
)

func TestChatMessages(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	for _, content := range []string{"hi", "there"} {
		if _, err := m.SaveChatMessage(ctx, ChatMessage{SessionID: "s1", Role: "user", Content: content}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if _, err := m.SaveChatMessage(ctx, ChatMessage{SessionID: "s2", Content: "other"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	msgs, err := m.GetChatMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	for _, msg := range msgs {
		if msg.ID == "" || msg.SessionID != "s1" || msg.Timestamp.IsZero() || msg.Synced {
			t.Fatalf("unexpected message %+v", msg)
		}
	}
}

func TestProfile(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	id, err := m.SaveProfile(ctx, Profile{ID: "p1", UserID: "u1", Name: "Ada", Preferences: map[string]any{"theme": "dark"}})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id != "p1" {
		t.Fatalf("expected id p1, got %s", id)
	}
	p, err := m.GetProfile(ctx, "p1")
	if err != nil || p == nil {
		t.Fatalf("get: %v %v", p, err)
	}
	if p.Name != "Ada" || p.Preferences["theme"] != "dark" {
		t.Fatalf("unexpected profile %+v", p)
	}
	if missing, _ := m.GetProfile(ctx, "p2"); missing != nil {
		t.Fatalf("expected nil for missing profile")
	}
}

func TestInterviewsAndVoiceClones(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.SaveInterview(ctx, Interview{ID: "i1", UserID: "u1", Title: "Childhood",
		Answers: []InterviewAnswer{{Question: "Where?", Answer: "Here"}}})
	if err != nil {
		t.Fatalf("save interview: %v", err)
	}
	i, err := m.GetInterview(ctx, "i1")
	if err != nil || i == nil {
		t.Fatalf("get interview: %v %v", i, err)
	}
	if len(i.Answers) != 1 || i.Answers[0].Answer != "Here" {
		t.Fatalf("unexpected answers %+v", i.Answers)
	}
	list, _ := m.GetInterviews(ctx, "u1")
	if len(list) != 1 {
		t.Fatalf("expected 1 interview, got %d", len(list))
	}

	if _, err := m.SaveVoiceClone(ctx, VoiceClone{ID: "v1", UserID: "u1", Name: "Mine", Status: "ready"}); err != nil {
		t.Fatalf("save voice clone: %v", err)
	}
	v, _ := m.GetVoiceClone(ctx, "v1")
	if v == nil || v.Status != "ready" {
		t.Fatalf("unexpected voice clone %+v", v)
	}
	clones, _ := m.GetVoiceClones(ctx, "u2")
	if len(clones) != 0 {
		t.Fatalf("expected no clones for u2")
	}
}

func TestMemoryNodesByType(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	for _, typ := range []string{"person", "place", "person"} {
		if _, err := m.SaveMemoryNode(ctx, MemoryNode{UserID: "u1", Type: typ}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	people, err := m.GetMemoryNodes(ctx, "person")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(people) != 2 {
		t.Fatalf("expected 2 person nodes, got %d", len(people))
	}
}

func TestSavedRecordIsUnsyncedUntilMarked(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id, _ := m.SaveChatMessage(ctx, ChatMessage{SessionID: "s"})
	unsynced, _ := m.GetUnsyncedData(ctx)
	if len(unsynced[ChatMessages]) != 1 {
		t.Fatalf("expected saved message unsynced")
	}
	if _, ok := unsynced[ChatMessages][0].Data["synced"]; ok {
		t.Fatalf("bookkeeping fields must not be kept in the payload")
	}
	m.MarkAsSynced(ctx, ChatMessages, id)
	msgs, _ := m.GetChatMessages(ctx, "s")
	if len(msgs) != 1 || !msgs[0].Synced {
		t.Fatalf("expected message synced, got %+v", msgs)
	}
}

func TestSaveResetsSyncState(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Now().Add(-time.Second)

	if _, err := m.SaveChatMessage(ctx, ChatMessage{ID: "m1", SessionID: "s1", Content: "edited", Timestamp: old, Synced: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := m.SaveProfile(ctx, Profile{ID: "p1", UserID: "u1", Timestamp: old, Synced: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := m.SaveMemoryNode(ctx, MemoryNode{ID: "n1", UserID: "u1", Type: "fact", Timestamp: old, Synced: true}); err != nil {
		t.Fatalf("save: %v", err)
	}

	for _, c := range []Collection{ChatMessages, UserProfile, MemoryNodes} {
		recs, err := m.GetAll(ctx, c)
		if err != nil || len(recs) != 1 {
			t.Fatalf("%s: %v %v", c, recs, err)
		}
		if recs[0].Synced {
			t.Fatalf("%s: saved record is synced", c)
		}
		if recs[0].Timestamp.Before(before) {
			t.Fatalf("%s: timestamp %v was not stamped", c, recs[0].Timestamp)
		}
	}

	unsynced, err := m.GetUnsyncedData(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unsynced[ChatMessages]) != 1 || len(unsynced[UserProfile]) != 1 || len(unsynced[MemoryNodes]) != 1 {
		t.Fatalf("Unsynced is %v", unsynced)
	}
}

func TestResaveAfterSyncIsUnsynced(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if _, err := m.SaveInterview(ctx, Interview{ID: "i1", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkAsSynced(ctx, Interviews, "i1"); err != nil {
		t.Fatal(err)
	}
	i, err := m.GetInterview(ctx, "i1")
	if err != nil || i == nil || !i.Synced {
		t.Fatalf("interview %+v: %v", i, err)
	}
	if _, err := m.SaveInterview(ctx, *i); err != nil {
		t.Fatal(err)
	}
	unsynced, _ := m.GetUnsyncedData(ctx)
	if len(unsynced[Interviews]) != 1 {
		t.Fatalf("Edited interview is not pending: %v", unsynced)
	}
}
