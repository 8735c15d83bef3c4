package session

import (
	"bytes"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/driver"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), testKey(), zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := openStore(t)
	creds := driver.Credentials{
		Host: "mc.example.com", Port: 25565,
		Username: "bot-1", Password: "hunter2", Token: "tok",
	}
	if err := s.Save("bot-1", creds); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := s.Load("bot-1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != creds {
		t.Errorf("got %+v, want %+v", got, creds)
	}
}

func TestLoadMissing(t *testing.T) {
	s := openStore(t)
	if _, ok, err := s.Load("ghost"); ok || err != nil {
		t.Fatalf("missing session: ok=%v err=%v", ok, err)
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := openStore(t)
	if err := s.Save("bot-1", driver.Credentials{Host: "old"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save("bot-1", driver.Credentials{Host: "new"}); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, _, err := s.Load("bot-1")
	if err != nil || got.Host != "new" {
		t.Fatalf("got %+v, err %v", got, err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := openStore(t)
	if err := s.Save("bot-1", driver.Credentials{Host: "h"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Delete("bot-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("bot-1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, ok, _ := s.Load("bot-1"); ok {
		t.Error("session should be gone")
	}
}

func TestAgents(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"bot-b", "bot-a"} {
		if err := s.Save(id, driver.Credentials{Host: "h"}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	ids, err := s.Agents()
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	if len(ids) != 2 || ids[0] != "bot-a" || ids[1] != "bot-b" {
		t.Errorf("ids = %v", ids)
	}
}

func TestWrongKeyFailsToUnseal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path, testKey(), zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save("bot-1", driver.Credentials{Host: "h"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Close()

	other, err := Open(path, bytes.Repeat([]byte{0x13}, 32), zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer other.Close()
	if _, _, err := other.Load("bot-1"); err == nil {
		t.Fatal("load with the wrong key should fail")
	}
}

func TestShortKeyRejected(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "x.db"), []byte("short"), zap.NewNop()); err == nil {
		t.Fatal("short key should be rejected")
	}
}
