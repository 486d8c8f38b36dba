// Package ops holds data-directory maintenance: tar.gz backups, restores
// and the restore drill.
package ops

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// TempFilePrefix marks in-flight atomic writes of the file backend. They are
// never part of a backup.
const TempFilePrefix = ".wtm-tmp-"

// Manifest lists what a backup archive holds.
type Manifest struct {
	Archive string    `json:"archive"`
	Files   []string  `json:"files"`
	Bytes   int64     `json:"bytes"`
	Digest  string    `json:"digest"`
	At      time.Time `json:"at"`
}

func skip(rel string, d fs.DirEntry) bool {
	if d.Type()&os.ModeSymlink != 0 {
		// Skip symlinks for predictable backup/restore.
		return true
	}
	return !d.IsDir() && strings.HasPrefix(filepath.Base(rel), TempFilePrefix)
}

func BackupDataDir(srcDir, archivePath string) (Manifest, error) {
	srcDir = filepath.Clean(strings.TrimSpace(srcDir))
	archivePath = filepath.Clean(strings.TrimSpace(archivePath))
	m := Manifest{Archive: archivePath, Files: []string{}, At: time.Now().UTC()}
	if srcDir == "" || archivePath == "" {
		return m, fmt.Errorf("srcDir and archivePath are required")
	}
	info, err := os.Stat(srcDir)
	if err != nil {
		return m, err
	}
	if !info.IsDir() {
		return m, fmt.Errorf("source is not a directory: %s", srcDir)
	}
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return m, err
	}

	f, err := os.Create(archivePath)
	if err != nil {
		return m, err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skip(rel, d) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()

		n, err := io.Copy(tw, src)
		if err != nil {
			return err
		}
		m.Files = append(m.Files, rel)
		m.Bytes += n
		return nil
	})
	if walkErr != nil {
		return m, walkErr
	}
	if err := tw.Close(); err != nil {
		return m, err
	}
	if err := gz.Close(); err != nil {
		return m, err
	}
	if err := f.Close(); err != nil {
		return m, err
	}

	m.Digest, err = DirDigest(srcDir)
	return m, err
}

func RestoreDataDir(archivePath, targetDir string) error {
	archivePath = filepath.Clean(strings.TrimSpace(archivePath))
	targetDir = filepath.Clean(strings.TrimSpace(targetDir))
	if archivePath == "" || targetDir == "" {
		return fmt.Errorf("archivePath and targetDir are required")
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		rel, err := sanitizeArchiveRelPath(hdr.Name)
		if err != nil {
			return err
		}
		outPath := filepath.Join(targetDir, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(outPath, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return err
			}
			dst, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(dst, tr); err != nil {
				_ = dst.Close()
				return err
			}
			if err := dst.Close(); err != nil {
				return err
			}
		default:
			// Ignore unsupported entry types.
		}
	}

	return nil
}

func sanitizeArchiveRelPath(name string) (string, error) {
	name = filepath.Clean(strings.TrimSpace(name))
	if name == "." || name == "" {
		return "", fmt.Errorf("invalid archive entry path")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid absolute archive entry path: %s", name)
	}
	if strings.HasPrefix(name, ".."+string(filepath.Separator)) || name == ".." {
		return "", fmt.Errorf("invalid archive entry path traversal: %s", name)
	}
	return name, nil
}

// DirDigest hashes every backed-up file's relative path and content.
func DirDigest(root string) (string, error) {
	root = filepath.Clean(root)
	entries := []string{}
	if err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if d.IsDir() || skip(rel, d) {
			return nil
		}
		entries = append(entries, filepath.ToSlash(rel))
		return nil
	}); err != nil {
		return "", err
	}
	sort.Strings(entries)

	h := sha256.New()
	for _, rel := range entries {
		_, _ = io.WriteString(h, rel)
		_, _ = io.WriteString(h, "\n")
		b, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil {
			return "", err
		}
		if _, err := h.Write(b); err != nil {
			return "", err
		}
		_, _ = io.WriteString(h, "\n")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type DrillResult struct {
	Archive    string `json:"archive"`
	RestoreDir string `json:"restoreDir"`
	Digest     string `json:"digest"`
	Files      int    `json:"files"`
}

// Drill backs dataDir up into workDir, restores it next to the archive and
// checks the restored tree hashes the same as the source.
func Drill(dataDir, workDir string, now time.Time) (DrillResult, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return DrillResult{}, err
	}
	ts := now.UTC().Format("20060102T150405Z")
	res := DrillResult{
		Archive:    filepath.Join(workDir, "wtm-drill-"+ts+".tar.gz"),
		RestoreDir: filepath.Join(workDir, "wtm-drill-restore-"+ts),
	}

	m, err := BackupDataDir(dataDir, res.Archive)
	if err != nil {
		return res, err
	}
	if err := RestoreDataDir(res.Archive, res.RestoreDir); err != nil {
		return res, err
	}
	restored, err := DirDigest(res.RestoreDir)
	if err != nil {
		return res, err
	}
	if m.Digest != restored {
		return res, fmt.Errorf("digest mismatch after restore: src=%s restored=%s", m.Digest, restored)
	}
	res.Digest = m.Digest
	res.Files = len(m.Files)
	return res, nil
}
