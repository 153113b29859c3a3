package transcript_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicecoach/pkg/transcript"
	"github.com/MrWong99/voicecoach/pkg/types"
)

func fixedClock() func() time.Time {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var n int
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestAccumulator_AppendsInOrder(t *testing.T) {
	t.Parallel()

	acc := transcript.New(transcript.WithClock(fixedClock()))
	acc.Append(types.RoleAssistant, "Bonjour, je suis furieux.", "e1")
	acc.Append(types.RoleUser, "Je comprends votre frustration.", "e2")
	acc.Append(types.RoleAssistant, "Vraiment ?", "e3")

	got := acc.Snapshot()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	wantRoles := []types.Role{types.RoleAssistant, types.RoleUser, types.RoleAssistant}
	for i, m := range got {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %s, want %s", i, m.Role, wantRoles[i])
		}
		if i > 0 && !m.Timestamp.After(got[i-1].Timestamp) {
			t.Errorf("message %d timestamp not increasing", i)
		}
	}
}

func TestAccumulator_DuplicateEventID(t *testing.T) {
	t.Parallel()

	acc := transcript.New()
	if !acc.Append(types.RoleUser, "Bonjour", "evt-1") {
		t.Fatal("first append rejected")
	}
	acc.Append(types.RoleAssistant, "Bonjour à vous", "evt-2")
	if acc.Append(types.RoleUser, "Bonjour", "evt-1") {
		t.Error("replayed event id was accepted")
	}
	if acc.Len() != 2 {
		t.Errorf("len = %d, want 2", acc.Len())
	}
}

func TestAccumulator_AdjacentRepeat(t *testing.T) {
	t.Parallel()

	acc := transcript.New()
	acc.Append(types.RoleUser, "Bonjour", "a")
	if acc.Append(types.RoleUser, "  Bonjour  ", "b") {
		t.Error("adjacent repeat with different id was accepted")
	}

	got := acc.Snapshot()
	if len(got) != 1 || got[0].Content != "Bonjour" {
		t.Fatalf("snapshot = %+v", got)
	}

	// Same content from the other role is a distinct message.
	if !acc.Append(types.RoleAssistant, "Bonjour", "c") {
		t.Error("same content from other role was rejected")
	}
	// Non-adjacent repeat is kept.
	if !acc.Append(types.RoleUser, "Bonjour", "d") {
		t.Error("non-adjacent repeat was rejected")
	}
}

func TestAccumulator_RejectedAdjacentStillConsumesID(t *testing.T) {
	t.Parallel()

	acc := transcript.New()
	acc.Append(types.RoleUser, "Oui", "x1")
	acc.Append(types.RoleUser, "Oui", "x2")
	acc.Append(types.RoleAssistant, "D'accord", "x3")

	// x2 was dropped as an adjacent repeat but its id is remembered.
	if acc.Append(types.RoleUser, "Oui", "x2") {
		t.Error("retransmitted id of a dropped event was accepted")
	}
}

func TestAccumulator_BlankContent(t *testing.T) {
	t.Parallel()

	acc := transcript.New()
	for _, s := range []string{"", "   ", "\n\t"} {
		if acc.Append(types.RoleUser, s, "") {
			t.Errorf("blank content %q accepted", s)
		}
	}
	if acc.Len() != 0 {
		t.Errorf("len = %d, want 0", acc.Len())
	}
}

func TestAccumulator_EmptyEventIDNeverDeduped(t *testing.T) {
	t.Parallel()

	acc := transcript.New()
	acc.Append(types.RoleUser, "un", "")
	acc.Append(types.RoleAssistant, "deux", "")
	acc.Append(types.RoleUser, "trois", "")
	if acc.Len() != 3 {
		t.Errorf("len = %d, want 3", acc.Len())
	}
}

func TestAccumulator_SnapshotIsCopy(t *testing.T) {
	t.Parallel()

	acc := transcript.New()
	acc.Append(types.RoleUser, "original", "1")
	snap := acc.Snapshot()
	snap[0].Content = "mutated"

	if got := acc.Snapshot()[0].Content; got != "original" {
		t.Errorf("internal state changed through snapshot: %q", got)
	}
}

func TestAccumulator_Reset(t *testing.T) {
	t.Parallel()

	acc := transcript.New()
	acc.Append(types.RoleUser, "avant", "id-1")
	acc.Reset()

	if acc.Len() != 0 {
		t.Fatalf("len after reset = %d", acc.Len())
	}
	if !acc.Append(types.RoleUser, "avant", "id-1") {
		t.Error("event id from a previous session blocked a new session")
	}
}

func TestAccumulator_ConcurrentReaders(t *testing.T) {
	t.Parallel()

	acc := transcript.New()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 200 {
			role := types.RoleUser
			if i%2 == 1 {
				role = types.RoleAssistant
			}
			acc.Append(role, "tour", "")
		}
	}()
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = acc.Snapshot()
			}
		}()
	}
	wg.Wait()

	if acc.Len() != 200 {
		t.Errorf("len = %d, want 200", acc.Len())
	}
}
