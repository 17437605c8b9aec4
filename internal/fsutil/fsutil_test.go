package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	err := AtomicWriteFile(path, func(w io.Writer) error {
		_, err := w.Write([]byte("hello"))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("content %q", data)
	}
}

func TestAtomicWriteFileReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	for _, content := range []string{"first", "second"} {
		err := AtomicWriteFile(path, func(w io.Writer) error {
			_, err := io.WriteString(w, content)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	data, _ := os.ReadFile(path)
	if string(data) != "second" {
		t.Fatalf("content %q", data)
	}
}

func TestAtomicWriteFileErrorLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	sentinel := errors.New("boom")
	err := AtomicWriteFile(path, func(w io.Writer) error {
		io.WriteString(w, "partial")
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("leftover file %s", e.Name())
	}
}

func TestAtomicWriteFileLargePayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.bin")
	chunk := strings.Repeat("x", 4096)
	err := AtomicWriteFile(path, func(w io.Writer) error {
		for i := 0; i < 1024; i++ {
			if _, err := io.WriteString(w, chunk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 4096*1024 {
		t.Fatalf("size %d", info.Size())
	}
}

func TestExistsAndIsDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if !Exists(dir) || !Exists(file) {
		t.Fatal("Exists false for existing paths")
	}
	if Exists(filepath.Join(dir, "missing")) {
		t.Fatal("Exists true for missing path")
	}
	if !IsDir(dir) {
		t.Fatal("IsDir false for directory")
	}
	if IsDir(file) {
		t.Fatal("IsDir true for file")
	}
}

func TestEnsureDirNested(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	if err := EnsureDir(dir); err != nil {
		t.Fatal(err)
	}
	if !IsDir(dir) {
		t.Fatal("nested dir not created")
	}
	// Second call on an existing dir is a no-op.
	if err := EnsureDir(dir); err != nil {
		t.Fatal(err)
	}
}
