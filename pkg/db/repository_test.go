package db

import (
	"path/filepath"
	"testing"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	repo, err := NewRepository(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepository(t)

	run := &Run{
		Image:  "fedora-live.img",
		SHA256: "abc123",
		Status: StatusPending,
	}

	if err := repo.Create(run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.ID == 0 {
		t.Error("run ID not assigned on create")
	}

	retrieved, err := repo.GetByImage("fedora-live.img")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved == nil {
		t.Fatal("expected run, got nil")
	}

	if retrieved.Image != run.Image || retrieved.SHA256 != run.SHA256 {
		t.Errorf("retrieved run mismatch: got %+v, want %+v", retrieved, run)
	}
}

func TestRepository_GetByImage_NotFound(t *testing.T) {
	repo := newTestRepository(t)

	run, err := repo.GetByImage("no-such-image")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run != nil {
		t.Errorf("expected nil for missing run, got %+v", run)
	}
}

func TestRepository_UpdateStatus(t *testing.T) {
	repo := newTestRepository(t)

	run := &Run{
		Image:  "fedora-live.img",
		SHA256: "abc123",
		Status: StatusPending,
	}
	repo.Create(run)

	if err := repo.UpdateStatus(run.ID, StatusMinimizing, ""); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	updated, _ := repo.GetByImage("fedora-live.img")
	if updated.Status != StatusMinimizing {
		t.Errorf("status not updated: got %s, want %s", updated.Status, StatusMinimizing)
	}
}

func TestRepository_Update(t *testing.T) {
	repo := newTestRepository(t)

	run := &Run{
		Image:  "fedora-live.img",
		SHA256: "abc123",
		Status: StatusPending,
	}
	repo.Create(run)

	run.Status = StatusReady
	run.ArtifactPath = "/var/tmp/osmin.img"
	run.OriginalSize = 8 * 1024 * 1024
	run.CowUsed = 212992

	if err := repo.Update(run); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	updated, _ := repo.GetByImage("fedora-live.img")
	if updated.Status != StatusReady {
		t.Errorf("status not updated: got %s", updated.Status)
	}
	if updated.ArtifactPath != "/var/tmp/osmin.img" {
		t.Errorf("artifact path not updated: got %s", updated.ArtifactPath)
	}
	if updated.CowUsed != 212992 {
		t.Errorf("cow used not updated: got %d", updated.CowUsed)
	}
}

func TestRepository_UpdateMissingRun(t *testing.T) {
	repo := newTestRepository(t)

	run := &Run{ID: 42, Image: "ghost.img", Status: StatusReady}
	if err := repo.Update(run); err == nil {
		t.Error("expected error updating missing run")
	}
}

func TestRepository_List(t *testing.T) {
	repo := newTestRepository(t)

	repo.Create(&Run{Image: "image1.img", SHA256: "hash1", Status: StatusReady})
	repo.Create(&Run{Image: "image2.img", SHA256: "hash2", Status: StatusFailed})

	runs, err := repo.List()
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}

	if len(runs) != 2 {
		t.Errorf("expected 2 runs, got %d", len(runs))
	}
}

func TestRepository_Delete(t *testing.T) {
	repo := newTestRepository(t)

	run := &Run{Image: "image1.img", SHA256: "hash1", Status: StatusReady}
	repo.Create(run)

	if err := repo.Delete(run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	deleted, err := repo.GetByImage("image1.img")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != nil {
		t.Errorf("expected run to be gone, got %+v", deleted)
	}
}
