package transcript

import (
	"context"
	"fmt"
	"testing"

	"github.com/mkravets/studybuddy/internal/session"
)

func entryOf(role session.Role, content string, index int) Entry {
	return Entry{Message: session.Message{Role: role, Content: content}, Index: index}
}

func TestSessionKey(t *testing.T) {
	if got := SessionKey("RABBIT7X2K9", "conv_1", "prov_1"); got != "RABBIT7X2K9_conv_1" {
		t.Fatalf("SessionKey with conversation id = %q", got)
	}
	if got := SessionKey("RABBIT7X2K9", "", "prov_1"); got != "RABBIT7X2K9_prov_1" {
		t.Fatalf("SessionKey without conversation id = %q", got)
	}
}

func TestAppendKeepsOneDocumentPerKey(t *testing.T) {
	s := NewInMemoryStore()
	meta := Meta{Identifier: "RABBIT7X2K9", PromptVersion: "rabbit_v1"}
	ctx := context.Background()

	const n = 5
	var firstID string
	for i := 0; i < n; i++ {
		id, err := s.Append(ctx, "RABBIT7X2K9_conv_1", meta, entryOf(session.RoleUser, fmt.Sprintf("msg %d", i), i))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if firstID == "" {
			firstID = id
		} else if id != firstID {
			t.Fatalf("Append() returned a different document id %q, want %q", id, firstID)
		}
	}

	if s.Len() != 1 {
		t.Fatalf("document count = %d, want 1", s.Len())
	}
	rec, ok := s.Get("RABBIT7X2K9_conv_1")
	if !ok {
		t.Fatalf("transcript missing")
	}
	if rec.MessageCount != n {
		t.Fatalf("MessageCount = %d, want %d", rec.MessageCount, n)
	}
	if len(rec.Messages) != n {
		t.Fatalf("len(Messages) = %d, want %d", len(rec.Messages), n)
	}
	if rec.ConversationType != ConversationType {
		t.Fatalf("ConversationType = %q, want %q", rec.ConversationType, ConversationType)
	}
	if rec.Completed {
		t.Fatalf("fresh transcript should not be completed")
	}
}

func TestMarkCompletedExistingDocument(t *testing.T) {
	s := NewInMemoryStore()
	meta := Meta{Identifier: "RABBIT7X2K9"}
	ctx := context.Background()

	appendID, err := s.Append(ctx, "key", meta, entryOf(session.RoleUser, "Hello", 1))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	completedID, err := s.MarkCompleted(ctx, "key", meta, nil)
	if err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if completedID != appendID {
		t.Fatalf("MarkCompleted() id = %q, want %q", completedID, appendID)
	}

	rec, _ := s.Get("key")
	if !rec.Completed || rec.CompletedAt.IsZero() {
		t.Fatalf("transcript not marked completed: %+v", rec)
	}
	if rec.MessageCount != 1 {
		t.Fatalf("completion should not change message count, got %d", rec.MessageCount)
	}
}

func TestMarkCompletedSeedsFromHistory(t *testing.T) {
	s := NewInMemoryStore()
	history := []session.Message{
		{Role: session.RoleAssistant, Content: "Hi, I am Rabbit! What is your name?"},
		{Role: session.RoleUser, Content: "Hello"},
	}

	id, err := s.MarkCompleted(context.Background(), "key", Meta{Identifier: "RABBIT7X2K9"}, history)
	if err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if id == "" {
		t.Fatalf("MarkCompleted() should return the created document id")
	}

	rec, ok := s.Get("key")
	if !ok {
		t.Fatalf("defensive completion should create the document")
	}
	if !rec.Completed {
		t.Fatalf("seeded transcript should be completed")
	}
	if rec.MessageCount != len(history) || len(rec.Messages) != len(history) {
		t.Fatalf("seeded transcript should hold the full history: %+v", rec)
	}
	if rec.Messages[1].Index != 1 {
		t.Fatalf("seeded entries should be indexed in order")
	}
}

func TestRekeyRenamesInPlace(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	meta := Meta{Identifier: "RABBIT7X2K9"}

	oldID, _ := s.Append(ctx, "RABBIT7X2K9_prov", meta, entryOf(session.RoleUser, "Hello", 1))
	newID, err := s.Rekey(ctx, "RABBIT7X2K9_prov", "RABBIT7X2K9_conv_1")
	if err != nil {
		t.Fatalf("Rekey() error = %v", err)
	}
	if newID != oldID {
		t.Fatalf("rename should keep the document id")
	}

	if _, ok := s.Get("RABBIT7X2K9_prov"); ok {
		t.Fatalf("old key should be gone")
	}
	rec, ok := s.Get("RABBIT7X2K9_conv_1")
	if !ok || rec.MessageCount != 1 {
		t.Fatalf("renamed transcript wrong: %+v", rec)
	}
}

func TestRekeyMergesIntoExistingDocument(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	meta := Meta{Identifier: "RABBIT7X2K9"}

	if _, err := s.Append(ctx, "old_key", meta, entryOf(session.RoleUser, "from old 1", 0)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := s.Append(ctx, "old_key", meta, entryOf(session.RoleAssistant, "from old 2", 1)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	targetID, err := s.Append(ctx, "new_key", meta, entryOf(session.RoleUser, "from new 1", 0))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	mergedID, err := s.Rekey(ctx, "old_key", "new_key")
	if err != nil {
		t.Fatalf("Rekey() error = %v", err)
	}
	if mergedID != targetID {
		t.Fatalf("merge should keep the target document id")
	}

	if s.Len() != 1 {
		t.Fatalf("document count = %d, want 1 after merge", s.Len())
	}
	if _, ok := s.Get("old_key"); ok {
		t.Fatalf("old key should be deleted after merge")
	}
	rec, _ := s.Get("new_key")
	if rec.MessageCount != 3 || len(rec.Messages) != 3 {
		t.Fatalf("merged transcript should hold all messages: %+v", rec)
	}
	contents := []string{rec.Messages[0].Message.Content, rec.Messages[1].Message.Content, rec.Messages[2].Message.Content}
	if contents[0] != "from new 1" || contents[1] != "from old 1" || contents[2] != "from old 2" {
		t.Fatalf("merged order = %v", contents)
	}
}

func TestRekeyMissingOldKey(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Rekey(context.Background(), "nope", "new"); err != ErrNotFound {
		t.Fatalf("Rekey() error = %v, want ErrNotFound", err)
	}
}
