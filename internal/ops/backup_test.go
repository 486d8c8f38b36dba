package ops

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir parent %s: %v", path, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func TestBackupRestoreDataDir_RoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	files := map[string]string{
		"tasks/state.json": `{"tasks":{"t1":{"id":"t1","memberId":"tago","status":"active"}},"weekSnapshots":{}}`,
		"wtm.db":           "sqlite bytes",
	}
	writeTree(t, src, files)
	writeTree(t, src, map[string]string{"tasks/" + TempFilePrefix + "123": "partial write"})

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	m, err := BackupDataDir(src, archive)
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	if _, err := os.Stat(archive); err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	sort.Strings(m.Files)
	if want := []string{"tasks/state.json", "wtm.db"}; !reflect.DeepEqual(want, m.Files) {
		t.Fatalf("manifest files mismatch: want=%v got=%v", want, m.Files)
	}
	if m.Digest == "" {
		t.Fatalf("manifest digest missing")
	}

	restoreDir := filepath.Join(t.TempDir(), "restore")
	if err := RestoreDataDir(archive, restoreDir); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	got := map[string]string{}
	err = filepath.WalkDir(restoreDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(restoreDir, path)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		got[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	if err != nil {
		t.Fatalf("walk restore dir: %v", err)
	}

	if !reflect.DeepEqual(files, got) {
		t.Fatalf("restored files mismatch:\nwant=%v\ngot=%v", files, got)
	}

	restored, err := DirDigest(restoreDir)
	if err != nil {
		t.Fatalf("digest restore dir: %v", err)
	}
	if restored != m.Digest {
		t.Fatalf("digest mismatch: %s != %s", restored, m.Digest)
	}
}

func TestDrill(t *testing.T) {
	src := filepath.Join(t.TempDir(), "data")
	writeTree(t, src, map[string]string{"tasks/state.json": `{"tasks":{}}`})

	res, err := Drill(src, t.TempDir(), time.Date(2026, 2, 25, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("drill failed: %v", err)
	}
	if res.Files != 1 || res.Digest == "" {
		t.Fatalf("unexpected drill result: %+v", res)
	}
	if filepath.Base(res.Archive) != "wtm-drill-20260225T090000Z.tar.gz" {
		t.Fatalf("unexpected archive name %s", res.Archive)
	}
}

func TestRestoreDataDir_RejectsPathTraversal(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "bad.tar.gz")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{
		Name:     "../escape.txt",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len("bad")),
	}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write([]byte("bad")); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}

	if err := RestoreDataDir(archive, filepath.Join(t.TempDir(), "out")); err == nil {
		t.Fatalf("expected restore to reject path traversal archive")
	}
}
