package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	safe := t.TempDir()
	inside := filepath.Join(safe, "frame_000001.jpg")
	if err := os.WriteFile(inside, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing file inside", inside, false},
		{"not yet created inside", filepath.Join(safe, "frame_000002.jpg"), false},
		{"nested inside", filepath.Join(safe, "sub", "f.jpg"), false},
		{"dot-dot escape", filepath.Join(safe, "..", "etc", "passwd"), true},
		{"absolute outside", "/etc/passwd", true},
		{"safe dir itself", safe, false},
		{"parent of safe dir", filepath.Dir(safe), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tc.path, safe)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidatePathRejectsSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	safe := t.TempDir()
	link := filepath.Join(safe, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if err := ValidatePathWithinDirectory(filepath.Join(link, "f.jpg"), safe); err == nil {
		t.Fatal("symlink out of the safe dir was accepted")
	}
}

func TestValidatePathSymlinkedSafeDir(t *testing.T) {
	real := t.TempDir()
	linkParent := t.TempDir()
	safeLink := filepath.Join(linkParent, "safe")
	if err := os.Symlink(real, safeLink); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	// Referencing the file through the symlinked dir must still validate.
	if err := ValidatePathWithinDirectory(filepath.Join(safeLink, "f.jpg"), safeLink); err != nil {
		t.Fatalf("symlinked safe dir rejected its own file: %v", err)
	}
}
