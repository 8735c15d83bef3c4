package experience

import (
	"fmt"
	"sync"
	"testing"

	"github.com/blockforge/swarmd/internal/protocol"
)

func entry(agentID string, success bool, reward float64) Entry {
	return Entry{
		AgentID: agentID,
		Action:  protocol.Action{Type: protocol.ActionChat, AgentID: agentID},
		Success: success,
		Reward:  reward,
	}
}

func TestLogAssignsIdentity(t *testing.T) {
	b := New(10, nil)
	id := b.Log(entry("bot-1", true, 1))
	if id == "" {
		t.Fatal("log should return an id")
	}
	got := b.Recent("bot-1", 1)
	if len(got) != 1 || got[0].ID != id || got[0].LoggedAt.IsZero() {
		t.Fatalf("unexpected entry %+v", got)
	}
}

func TestEvictionOldestFirst(t *testing.T) {
	b := New(3, nil)
	for i := 0; i < 5; i++ {
		e := entry("bot-1", true, float64(i))
		b.Log(e)
	}
	if b.Len() != 3 {
		t.Fatalf("len = %d, want 3", b.Len())
	}
	got := b.Recent("bot-1", 0)
	if got[0].Reward != 2 || got[2].Reward != 4 {
		t.Errorf("ring should keep the newest three, got %+v", got)
	}
}

func TestRecentScopedToAgent(t *testing.T) {
	b := New(10, nil)
	b.Log(entry("bot-1", true, 1))
	b.Log(entry("bot-2", true, 2))
	b.Log(entry("bot-1", false, 0))

	got := b.Recent("bot-1", 0)
	if len(got) != 2 {
		t.Fatalf("bot-1 entries = %d, want 2", len(got))
	}
	for _, e := range got {
		if e.AgentID != "bot-1" {
			t.Errorf("foreign entry %+v", e)
		}
	}
	if got[0].Success != true || got[1].Success != false {
		t.Error("entries should be oldest first")
	}
}

func TestBatchUnscoped(t *testing.T) {
	b := New(10, nil)
	b.Log(entry("bot-1", true, 1))
	b.Log(entry("bot-2", true, 2))

	if got := b.Batch("", 0); len(got) != 2 {
		t.Fatalf("unscoped batch = %d, want 2", len(got))
	}
	if got := b.Batch("bot-2", 0); len(got) != 1 {
		t.Fatalf("scoped batch = %d, want 1", len(got))
	}
}

func TestSummarize(t *testing.T) {
	b := New(10, nil)
	b.Log(entry("bot-1", true, 1))
	b.Log(entry("bot-1", false, 0))
	b.Log(entry("bot-1", true, 0.5))

	s := b.Summarize("bot-1", 0)
	if s.Count != 3 || s.Successes != 2 {
		t.Errorf("summary = %+v", s)
	}
	if s.MeanReward != 0.5 {
		t.Errorf("mean = %v, want 0.5", s.MeanReward)
	}
	if len(s.Tail) != 3 {
		t.Errorf("tail = %d entries, want 3", len(s.Tail))
	}

	empty := b.Summarize("ghost", 5)
	if empty.Count != 0 || empty.MeanReward != 0 {
		t.Errorf("empty summary = %+v", empty)
	}
}

type recordingArchiver struct {
	mu  sync.Mutex
	ids []string
}

func (a *recordingArchiver) Archive(e Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, e.ID)
}

func TestArchiverSeesEveryEntry(t *testing.T) {
	arch := &recordingArchiver{}
	b := New(2, arch)
	for i := 0; i < 4; i++ {
		b.Log(entry("bot-1", true, 0))
	}
	if len(arch.ids) != 4 {
		t.Fatalf("archiver saw %d entries, want 4 (eviction must not skip archive)", len(arch.ids))
	}
}

func TestConcurrentLogging(t *testing.T) {
	b := New(100, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Log(entry(fmt.Sprintf("bot-%d", g), true, 1))
			}
		}(g)
	}
	wg.Wait()
	if b.Len() != 100 {
		t.Fatalf("len = %d, want capacity 100", b.Len())
	}
}
