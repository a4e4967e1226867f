package repository_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/0x7d8/ddup-bak-go/ddberr"
	"github.com/0x7d8/ddup-bak-go/repository"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCreateArchiveListRestoreDelete(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	repo, err := repository.Create(root, 8, 0, nil)
	if err != nil {
		t.Fatalf("Create: %s", err)
	}

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "small")
	writeFile(t, filepath.Join(src, "b.bin"), "0123456789012345678901234567890123456789")

	ctx := context.Background()
	if err := repo.CreateArchive(ctx, "backup1", src, nil, nil, 2); err != nil {
		t.Fatalf("CreateArchive: %s", err)
	}

	names, err := repo.ListArchives()
	if err != nil {
		t.Fatalf("ListArchives: %s", err)
	}
	if len(names) != 1 || names[0] != "backup1" {
		t.Fatalf("ListArchives = %v", names)
	}

	info, err := repo.Inspect("backup1")
	if err != nil {
		t.Fatalf("Inspect: %s", err)
	}
	if info.EntryCount == 0 || len(info.TopLevelNames) != 2 {
		t.Fatalf("unexpected ArchiveInfo: %+v", info)
	}

	destDir := filepath.Join(t.TempDir(), "out")
	restored, err := repo.RestoreArchive(ctx, "backup1", destDir, nil, 2)
	if err != nil {
		t.Fatalf("RestoreArchive: %s", err)
	}
	if restored != destDir {
		t.Fatalf("restored = %q want %q", restored, destDir)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	if err != nil || string(got) != "small" {
		t.Fatalf("a.txt after restore: %q, %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(destDir, "b.bin"))
	if err != nil || string(got) != "0123456789012345678901234567890123456789" {
		t.Fatalf("b.bin after restore: %q, %v", got, err)
	}

	stats := repo.Stats()
	if stats.TotalChunks == 0 {
		t.Fatalf("expected some chunks stored, got %+v", stats)
	}

	if err := repo.DeleteArchive("backup1", nil); err != nil {
		t.Fatalf("DeleteArchive: %s", err)
	}
	names, err = repo.ListArchives()
	if err != nil {
		t.Fatalf("ListArchives after delete: %s", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no archives after delete, got %v", names)
	}
}

func TestCreateFailsOnNonEmptyRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "stray.txt"), "x")

	_, err := repository.Create(root, 8, 0, nil)
	if !errors.Is(err, ddberr.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestSaveOnDropClose(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	repo, err := repository.Create(root, 8, 0, nil)
	if err != nil {
		t.Fatalf("Create: %s", err)
	}
	repo.SetSaveOnDrop(true)
	if err := repo.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	reopened, err := repository.Open(root, "")
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	if _, err := reopened.ListArchives(); err != nil {
		t.Fatalf("ListArchives: %s", err)
	}
}
