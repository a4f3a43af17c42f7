package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"mixdeck/internal/core"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStorageImplementations(t *testing.T) {
	impls := map[string]func(t *testing.T) core.Storage{
		"memory": func(*testing.T) core.Storage { return NewMemory() },
		"sqlite": func(t *testing.T) core.Storage { return openTestSQLite(t) },
	}

	for name, open := range impls {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			if _, err := s.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
				t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
			}

			if err := s.Set(ctx, "key", []byte("one")); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if err := s.Set(ctx, "key", []byte("two")); err != nil {
				t.Fatalf("Set() overwrite error = %v", err)
			}

			got, err := s.Get(ctx, "key")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if string(got) != "two" {
				t.Errorf("Get() = %q, want %q", got, "two")
			}

			if err := s.Remove(ctx, "key"); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			if _, err := s.Get(ctx, "key"); !errors.Is(err, core.ErrNotFound) {
				t.Errorf("Get() after Remove error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "mixdeck.db")

	db, err := OpenSQLite(ctx, path, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	if err := db.Set(ctx, "playerMasterPlaylist", []byte(`[]`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	db.Close()

	db, err = OpenSQLite(ctx, path, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite() reopen error = %v", err)
	}
	defer db.Close()

	got, err := db.Get(ctx, "playerMasterPlaylist")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "[]" {
		t.Errorf("Get() = %q, want %q", got, "[]")
	}
}

func TestMemory_FailWrites(t *testing.T) {
	m := NewMemory()
	m.SetFailWrites(true)

	if err := m.Set(context.Background(), "k", []byte("v")); !errors.Is(err, core.ErrPersistence) {
		t.Errorf("Set() error = %v, want ErrPersistence", err)
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	in := []core.Track{{URI: "spotify:track:1", Name: "One"}}
	if err := SetJSON(ctx, m, "tracks", in); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}

	var out []core.Track
	if err := GetJSON(ctx, m, "tracks", &out); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if len(out) != 1 || out[0].URI != "spotify:track:1" {
		t.Errorf("GetJSON() = %+v", out)
	}

	if err := m.Set(ctx, "broken", []byte("{")); err != nil {
		t.Fatal(err)
	}
	if err := GetJSON(ctx, m, "broken", &out); err == nil {
		t.Error("GetJSON() on malformed data should fail")
	}
}
