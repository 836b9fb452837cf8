package norm

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

type SdNote struct {
	ID        int `norm:"primary"`
	Body      string
	DeletedAt *time.Time
}

func (SdNote) TableName() string        { return "sd_notes" }
func (SdNote) SoftDeleteColumn() string { return "deleted_at" }

type SdPlain struct {
	ID   int `norm:"primary"`
	Body string
}

func (SdPlain) TableName() string { return "sd_plain" }

func setupSoftDeleteDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE sd_notes (id INTEGER PRIMARY KEY, body TEXT, deleted_at DATETIME);
		CREATE TABLE sd_plain (id INTEGER PRIMARY KEY, body TEXT);

		INSERT INTO sd_notes (id, body, deleted_at) VALUES
			(1, 'a', NULL),
			(2, 'b', NULL),
			(3, 'c', '2024-01-01 00:00:00');
		INSERT INTO sd_plain (id, body) VALUES (1, 'x'), (2, 'y');
	`)
	if err != nil {
		t.Fatalf("failed to setup DB: %v", err)
	}
	return db
}

func TestSoftDelete_DefaultScopeHidesTrashed(t *testing.T) {
	db := setupSoftDeleteDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	notes, err := New[SdNote]().Get(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(notes) != 2 {
		t.Errorf("expected 2 visible notes, got %d", len(notes))
	}

	count, err := New[SdNote]().Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}

	// Find goes through the same scope.
	note, err := New[SdNote]().Find(ctx, 3)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if note != nil {
		t.Errorf("expected trashed note to be invisible, got %+v", note)
	}
}

func TestSoftDelete_WithTrashed(t *testing.T) {
	db := setupSoftDeleteDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	notes, err := New[SdNote]().WithTrashed().Get(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(notes) != 3 {
		t.Errorf("expected 3 notes with trashed, got %d", len(notes))
	}
}

func TestSoftDelete_OnlyTrashed(t *testing.T) {
	db := setupSoftDeleteDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	notes, err := New[SdNote]().OnlyTrashed().Get(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != 3 {
		t.Errorf("expected only note 3, got %+v", notes)
	}
}

func TestSoftDelete_WithoutTrashedResets(t *testing.T) {
	db := setupSoftDeleteDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	notes, err := New[SdNote]().WithTrashed().WithoutTrashed().Get(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(notes) != 2 {
		t.Errorf("expected default scope back, got %d notes", len(notes))
	}
}

func TestSoftDelete_DeleteSetsColumn(t *testing.T) {
	db := setupSoftDeleteDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	if err := New[SdNote]().Where("id", 1).Delete(ctx); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// The row still exists, it is just flagged.
	var total, trashed int
	if err := db.QueryRow("SELECT COUNT(*) FROM sd_notes").Scan(&total); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM sd_notes WHERE deleted_at IS NOT NULL").Scan(&trashed); err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("expected 3 physical rows, got %d", total)
	}
	if trashed != 2 {
		t.Errorf("expected 2 trashed rows, got %d", trashed)
	}
}

func TestSoftDelete_Restore(t *testing.T) {
	db := setupSoftDeleteDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	if err := New[SdNote]().Where("id", 3).Restore(ctx); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	note, err := New[SdNote]().Find(ctx, 3)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if note == nil {
		t.Fatal("expected restored note to be visible")
	}
	if note.DeletedAt != nil {
		t.Errorf("expected nil deleted_at, got %v", note.DeletedAt)
	}
}

func TestSoftDelete_RestoreNotSoftDeletable(t *testing.T) {
	db := setupSoftDeleteDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	err := New[SdPlain]().Where("id", 1).Restore(ctx)
	if !errors.Is(err, ErrNotSoftDeletable) {
		t.Errorf("expected ErrNotSoftDeletable, got %v", err)
	}
}

func TestSoftDelete_ForceDelete(t *testing.T) {
	db := setupSoftDeleteDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	// Force-deleting a trashed row needs the lifted scope.
	if err := New[SdNote]().Where("id", 3).ForceDelete(ctx); err != nil {
		t.Fatalf("force delete failed: %v", err)
	}

	var total int
	if err := db.QueryRow("SELECT COUNT(*) FROM sd_notes").Scan(&total); err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("expected 2 physical rows, got %d", total)
	}
}

func TestSoftDelete_HardDeleteWithoutColumn(t *testing.T) {
	db := setupSoftDeleteDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	if err := New[SdPlain]().Where("id", 1).Delete(ctx); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	var total int
	if err := db.QueryRow("SELECT COUNT(*) FROM sd_plain").Scan(&total); err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("expected the row physically removed, got %d rows", total)
	}
}

func TestSoftDelete_DeleteEntityAndRestoreEntity(t *testing.T) {
	db := setupSoftDeleteDB(t)
	defer db.Close()
	swapGlobalDB(t, db)

	ctx := context.Background()
	note := &SdNote{ID: 2}

	if err := New[SdNote]().DeleteEntity(ctx, note); err != nil {
		t.Fatalf("delete entity failed: %v", err)
	}
	found, err := New[SdNote]().Find(ctx, 2)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if found != nil {
		t.Error("expected note 2 to be soft-deleted")
	}

	if err := New[SdNote]().RestoreEntity(ctx, note); err != nil {
		t.Fatalf("restore entity failed: %v", err)
	}
	found, err = New[SdNote]().Find(ctx, 2)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if found == nil {
		t.Error("expected note 2 back after restore")
	}
}
