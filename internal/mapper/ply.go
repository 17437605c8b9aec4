package mapper

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lucent-vision/depthmap/internal/fsutil"
)

// Point is one emitted map point: position in world units, color, and the
// model confidence it carried at emission.
type Point struct {
	X, Y, Z float32
	R, G, B uint8
	Conf    float32
}

const plyPointSize = 3*4 + 3 + 4

func plyHeader(n int) string {
	var b strings.Builder
	b.WriteString("ply\n")
	b.WriteString("format binary_little_endian 1.0\n")
	fmt.Fprintf(&b, "element vertex %d\n", n)
	b.WriteString("property float x\n")
	b.WriteString("property float y\n")
	b.WriteString("property float z\n")
	b.WriteString("property uchar red\n")
	b.WriteString("property uchar green\n")
	b.WriteString("property uchar blue\n")
	b.WriteString("property float confidence\n")
	b.WriteString("end_header\n")
	return b.String()
}

// WritePLY writes points to path as binary little-endian PLY. The write is
// atomic, so readers never observe a partial cloud.
func WritePLY(path string, points []Point) error {
	return fsutil.AtomicWriteFile(path, func(w io.Writer) error {
		if _, err := io.WriteString(w, plyHeader(len(points))); err != nil {
			return err
		}
		buf := make([]byte, plyPointSize)
		for _, p := range points {
			binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(p.X))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(p.Y))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(p.Z))
			buf[12], buf[13], buf[14] = p.R, p.G, p.B
			binary.LittleEndian.PutUint32(buf[15:], math.Float32bits(p.Conf))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadPLY reads a binary little-endian PLY written by WritePLY.
func ReadPLY(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 1<<20)

	n, err := parsePLYHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	points := make([]Point, 0, n)
	buf := make([]byte, plyPointSize)
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%s: truncated at point %d: %w", filepath.Base(path), i, err)
		}
		points = append(points, Point{
			X:    math.Float32frombits(binary.LittleEndian.Uint32(buf[0:])),
			Y:    math.Float32frombits(binary.LittleEndian.Uint32(buf[4:])),
			Z:    math.Float32frombits(binary.LittleEndian.Uint32(buf[8:])),
			R:    buf[12],
			G:    buf[13],
			B:    buf[14],
			Conf: math.Float32frombits(binary.LittleEndian.Uint32(buf[15:])),
		})
	}
	return points, nil
}

func parsePLYHeader(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "ply" {
		return 0, fmt.Errorf("not a PLY file")
	}
	n := -1
	for {
		line, err = r.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("header truncated: %w", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "end_header":
			if n < 0 {
				return 0, fmt.Errorf("header missing vertex element")
			}
			return n, nil
		case strings.HasPrefix(line, "format "):
			if line != "format binary_little_endian 1.0" {
				return 0, fmt.Errorf("unsupported format %q", line)
			}
		case strings.HasPrefix(line, "element vertex "):
			n, err = strconv.Atoi(strings.TrimPrefix(line, "element vertex "))
			if err != nil {
				return 0, fmt.Errorf("bad vertex count: %w", err)
			}
		}
	}
}

// MergePLY concatenates the clouds at the given input paths into one PLY at
// dst. Inputs are read in order; points pass through unmodified.
func MergePLY(dst string, inputs []string) (int, error) {
	var all []Point
	for _, in := range inputs {
		pts, err := ReadPLY(in)
		if err != nil {
			return 0, err
		}
		all = append(all, pts...)
	}
	if err := WritePLY(dst, all); err != nil {
		return 0, err
	}
	return len(all), nil
}
