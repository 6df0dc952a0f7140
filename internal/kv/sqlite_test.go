package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func tempSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := NewSQLiteStore(context.Background(), path)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_roundtrip(t *testing.T) {
	s := tempSQLite(t)
	ctx := context.Background()

	if err := s.Set(ctx, "site:demo", `{"id":"demo"}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, found, err := s.Get(ctx, "site:demo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || val != `{"id":"demo"}` {
		t.Errorf("Get = (%q, %v)", val, found)
	}

	// Overwrite replaces.
	if err := s.Set(ctx, "site:demo", "v2"); err != nil {
		t.Fatal(err)
	}
	val, _, _ = s.Get(ctx, "site:demo")
	if val != "v2" {
		t.Errorf("after overwrite got %q", val)
	}

	if err := s.Delete(ctx, "site:demo"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := s.Get(ctx, "site:demo"); found {
		t.Error("value present after Delete")
	}
}

func TestSQLiteStore_scan_escapes_like_metacharacters(t *testing.T) {
	s := tempSQLite(t)
	ctx := context.Background()

	if err := s.Set(ctx, "a_b:x", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "aXb:y", "2"); err != nil {
		t.Fatal(err)
	}

	var keys []string
	err := s.Scan(ctx, Prefix("a_b"), func(e Entry) error {
		keys = append(keys, e.Key)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 1 || keys[0] != "a_b:x" {
		t.Errorf("got keys %v, want [a_b:x] only", keys)
	}
}

func TestSQLiteStore_sets(t *testing.T) {
	s := tempSQLite(t)
	ctx := context.Background()

	added, err := s.SAdd(ctx, "sites:all", "a", "b", "a")
	if err != nil {
		t.Fatalf("SAdd: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}

	members, err := s.SMembers(ctx, "sites:all")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("members = %v", members)
	}

	removed, err := s.SRem(ctx, "sites:all", "a", "zz")
	if err != nil {
		t.Fatalf("SRem: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestSQLiteStore_expire(t *testing.T) {
	s := tempSQLite(t)
	ctx := context.Background()

	current := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return current }

	if err := s.Set(ctx, "site:demo:status", "{}"); err != nil {
		t.Fatal(err)
	}
	if err := s.Expire(ctx, "site:demo:status", 5*time.Second); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if _, found, _ := s.Get(ctx, "site:demo:status"); !found {
		t.Fatal("expired too early")
	}

	current = current.Add(6 * time.Second)
	if _, found, _ := s.Get(ctx, "site:demo:status"); found {
		t.Error("value survived its ttl")
	}

	// Expired rows are invisible to Scan as well.
	var seen int
	if err := s.Scan(ctx, Prefix("site"), func(Entry) error { seen++; return nil }); err != nil {
		t.Fatal(err)
	}
	if seen != 0 {
		t.Errorf("scan visited %d expired entries", seen)
	}
}
