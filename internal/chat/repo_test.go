package chat

import (
	"context"
	"errors"
	"testing"
)

func newPair(id, chatID, content string) *MessagePair {
	return &MessagePair{
		MessagePairID:   id,
		ChatID:          chatID,
		UserContent:     content,
		Model:           "llama3",
		DominationField: string(FieldNormalChat),
	}
}

func TestCreatePair_Idempotent(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	first, created, err := repo.CreatePair(ctx, newPair("p1", "c1", "hello"))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	if first.Status != StatusSending {
		t.Fatalf("expected sending, got %s", first.Status)
	}

	// a retry with different content must not change the stored record
	second, created, err := repo.CreatePair(ctx, newPair("p1", "c1", "hello again"))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("second create should be a no-op")
	}
	if second.ID != first.ID || second.UserContent != "hello" || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("second create returned different data: %+v vs %+v", second, first)
	}

	var n int64
	if err := repo.db.Model(&MessagePair{}).Where("message_pair_id = ?", "p1").Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
}

func TestCreatePair_OtherChatConflicts(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	if _, _, err := repo.CreatePair(ctx, newPair("p1", "c1", "hello")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := repo.CreatePair(ctx, newPair("p1", "c2", "hello")); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPair_StatusIsMonotonic(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	if _, _, err := repo.CreatePair(ctx, newPair("p1", "c1", "hi")); err != nil {
		t.Fatalf("create: %v", err)
	}

	seen := []Status{mustPair(t, repo, "p1").Status}
	step := func(name string, applied bool, err error, want bool) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if applied != want {
			t.Fatalf("%s: applied=%v want %v", name, applied, want)
		}
		seen = append(seen, mustPair(t, repo, "p1").Status)
	}

	ok, err := repo.Checkpoint(ctx, "p1", "Hel", 1)
	step("checkpoint 1", ok, err, true)
	ok, err = repo.Checkpoint(ctx, "p1", "Hello", 2)
	step("checkpoint 2", ok, err, true)
	ok, err = repo.Complete(ctx, "p1", "Hello!", "")
	step("complete", ok, err, true)
	ok, err = repo.Checkpoint(ctx, "p1", "late", 3)
	step("late checkpoint", ok, err, false)
	ok, err = repo.Fail(ctx, "p1", "x", ReasonAborted)
	step("late fail", ok, err, false)
	ok, err = repo.Complete(ctx, "p1", "again", "")
	step("second complete", ok, err, false)

	order := map[Status]int{StatusSending: 0, StatusStreaming: 1, StatusSuccess: 2, StatusFailed: 2}
	for i := 1; i < len(seen); i++ {
		if order[seen[i]] < order[seen[i-1]] {
			t.Fatalf("backward transition %s -> %s in %v", seen[i-1], seen[i], seen)
		}
	}
	final := mustPair(t, repo, "p1")
	if final.Status != StatusSuccess || final.AssistantContent != "Hello!" {
		t.Fatalf("terminal record changed: %+v", final)
	}
}

func TestCheckpoint_AfterFailIsNoop(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	if _, _, err := repo.CreatePair(ctx, newPair("p1", "c1", "hi")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Checkpoint(ctx, "p1", "Hello, ", 1); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := repo.Fail(ctx, "p1", "", ReasonGateway); err != nil {
		t.Fatalf("fail: %v", err)
	}

	applied, err := repo.Checkpoint(ctx, "p1", "Hello, world", 2)
	if err != nil || applied {
		t.Fatalf("checkpoint after fail: applied=%v err=%v", applied, err)
	}
	p := mustPair(t, repo, "p1")
	if p.Status != StatusFailed || p.AssistantContent != "Hello, " || p.FailureReason != ReasonGateway {
		t.Fatalf("unexpected record: %+v", p)
	}
}

func TestCheckpoint_StaleSequenceIgnored(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	if _, _, err := repo.CreatePair(ctx, newPair("p1", "c1", "hi")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Checkpoint(ctx, "p1", "ABC", 3); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	applied, err := repo.Checkpoint(ctx, "p1", "AB", 2)
	if err != nil || applied {
		t.Fatalf("stale checkpoint: applied=%v err=%v", applied, err)
	}
	if got := mustPair(t, repo, "p1").AssistantContent; got != "ABC" {
		t.Fatalf("stale checkpoint overwrote content: %q", got)
	}
}

func TestFail_PreservesPartialContent(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	if _, _, err := repo.CreatePair(ctx, newPair("p1", "c1", "hi")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Checkpoint(ctx, "p1", "Hel", 1); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := repo.Fail(ctx, "p1", "Hello, ", ReasonGateway); err != nil {
		t.Fatalf("fail: %v", err)
	}
	p := mustPair(t, repo, "p1")
	if p.Status != StatusFailed || p.AssistantContent != "Hello, " {
		t.Fatalf("unexpected record: %+v", p)
	}
}

func TestComplete_NamesUnnamedChatOnly(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	if _, err := repo.EnsureChat(ctx, &Chat{ChatID: "c1"}); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}
	for _, id := range []string{"p1", "p2"} {
		if _, _, err := repo.CreatePair(ctx, newPair(id, "c1", "q")); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := repo.Complete(ctx, "p1", "a", "First topic"); err != nil {
		t.Fatalf("complete p1: %v", err)
	}
	if _, err := repo.Complete(ctx, "p2", "b", "Second topic"); err != nil {
		t.Fatalf("complete p2: %v", err)
	}
	c, err := repo.GetChat(ctx, "c1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if c.Name != "First topic" || c.NameSource != NameUserText {
		t.Fatalf("unexpected chat name: %q (%s)", c.Name, c.NameSource)
	}
}

func TestSetChatTopic_Precedence(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	if _, err := repo.EnsureChat(ctx, &Chat{ChatID: "c1"}); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}

	steps := []struct {
		topic    string
		source   NameSource
		applied  bool
		wantName string
	}{
		{"From user text", NameUserText, true, "From user text"},
		{"Other user text", NameUserText, false, "From user text"},
		{"Model title", NameModel, true, "Model title"},
		{"Late user text", NameUserText, false, "Model title"},
		{"Second model title", NameModel, false, "Model title"},
	}
	for _, s := range steps {
		applied, err := repo.SetChatTopic(ctx, "c1", s.topic, s.source)
		if err != nil {
			t.Fatalf("set %q: %v", s.topic, err)
		}
		if applied != s.applied {
			t.Fatalf("set %q (%s): applied=%v want %v", s.topic, s.source, applied, s.applied)
		}
		c, _ := repo.GetChat(ctx, "c1")
		if c.Name != s.wantName {
			t.Fatalf("after %q: name=%q want %q", s.topic, c.Name, s.wantName)
		}
	}
}

func TestListPairs_OrderedOldestFirst(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := repo.CreatePair(ctx, newPair(id, "c1", id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, _, err := repo.CreatePair(ctx, newPair("x", "c2", "x")); err != nil {
		t.Fatalf("create x: %v", err)
	}
	pairs, err := repo.ListPairs(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pairs) != 3 || pairs[0].MessagePairID != "a" || pairs[2].MessagePairID != "c" {
		t.Fatalf("unexpected order: %+v", pairs)
	}
}

func TestDeleteChat_Cascades(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()
	if _, err := repo.EnsureChat(ctx, &Chat{ChatID: "c1"}); err != nil {
		t.Fatalf("ensure chat: %v", err)
	}
	if _, _, err := repo.CreatePair(ctx, newPair("p1", "c1", "q")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := repo.CreateJobOrGetExisting(ctx, &TopicJob{ID: "01J", ChatID: "c1", IdempotencyKey: topicJobKey("c1"), Status: JobQueued}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := repo.DeleteChat(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetPair(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pair should be gone, got %v", err)
	}
	if _, err := repo.GetJobByID(ctx, "01J"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("job should be gone, got %v", err)
	}
	if err := repo.DeleteChat(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestCreateJobOrGetExisting(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	ctx := context.Background()

	j1, created, err := repo.CreateJobOrGetExisting(ctx, &TopicJob{ID: "01A", ChatID: "c1", IdempotencyKey: topicJobKey("c1"), Status: JobQueued})
	if err != nil || !created {
		t.Fatalf("first: created=%v err=%v", created, err)
	}
	j2, created, err := repo.CreateJobOrGetExisting(ctx, &TopicJob{ID: "01B", ChatID: "c1", IdempotencyKey: topicJobKey("c1"), Status: JobQueued})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if created || j2.ID != j1.ID {
		t.Fatalf("expected existing job %s, got %s (created=%v)", j1.ID, j2.ID, created)
	}

	claimed, err := repo.UpdateJobStatusRunning(ctx, "01A")
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = repo.UpdateJobStatusRunning(ctx, "01A")
	if err != nil || claimed {
		t.Fatalf("running job should not be claimed twice: claimed=%v err=%v", claimed, err)
	}
}
