package mapper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FrameSource feeds captured frame image paths to a session, in capture
// order. Run blocks until the context is cancelled or the source ends.
type FrameSource interface {
	Run(ctx context.Context, emit func(path string)) error
}

// DirSource watches a directory for frame images dropped by an external
// capture process and emits them in filename order. Capture rigs write
// frame_000000.jpg style names, so lexical order is capture order.
type DirSource struct {
	Dir string
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir}
}

func isFrameImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// Run emits frames already present in the directory, then streams new ones
// as they appear. Duplicate events for the same file are suppressed.
func (ds *DirSource) Run(ctx context.Context, emit func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(ds.Dir); err != nil {
		return fmt.Errorf("watching %s: %w", ds.Dir, err)
	}

	seen := make(map[string]bool)

	// Frames that landed before the watch started.
	entries, err := os.ReadDir(ds.Dir)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", ds.Dir, err)
	}
	var initial []string
	for _, e := range entries {
		if !e.IsDir() && isFrameImage(e.Name()) {
			initial = append(initial, filepath.Join(ds.Dir, e.Name()))
		}
	}
	sort.Strings(initial)
	for _, p := range initial {
		seen[p] = true
		emit(p)
	}
	diagf("frame source watching %s (%d pre-existing frames)", ds.Dir, len(initial))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Capture rigs write to a temp name and rename into place, so
			// both Create and Rename can deliver a finished frame.
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !isFrameImage(ev.Name) || seen[ev.Name] {
				continue
			}
			seen[ev.Name] = true
			emit(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			diagf("frame watcher error: %v", err)
		}
	}
}
