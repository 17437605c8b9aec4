package mapper

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lucent-vision/depthmap/internal/fsutil"
)

// resultScratch spills raw inference results to disk so finalization can
// re-project chunks after a loop correction without holding every chunk's
// depth maps in memory.
type resultScratch struct {
	dir string
}

func newResultScratch(outDir string) (*resultScratch, error) {
	dir := filepath.Join(outDir, "raw")
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	return &resultScratch{dir: dir}, nil
}

func (s *resultScratch) path(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk_%06d.gob", index))
}

func (s *resultScratch) Save(index int, res *InferenceResult) error {
	err := fsutil.AtomicWriteFile(s.path(index), func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(res)
	})
	if err != nil {
		return fmt.Errorf("encoding chunk %d scratch: %w", index, err)
	}
	return nil
}

func (s *resultScratch) Load(index int) (*InferenceResult, error) {
	f, err := os.Open(s.path(index))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var res InferenceResult
	if err := gob.NewDecoder(f).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding chunk %d scratch: %w", index, err)
	}
	return &res, nil
}

// Remove deletes the whole scratch directory.
func (s *resultScratch) Remove() error {
	return os.RemoveAll(s.dir)
}
