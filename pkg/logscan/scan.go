package logscan

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	// SanitizerMarker opens every sanitizer report
	SanitizerMarker = "=================="

	// FatalMarker tags fatal server log lines
	FatalMarker = "Fatal"

	// KilledBySignal9 in a fatal excerpt means the harness itself killed the
	// server; such excerpts are not crashes
	KilledBySignal9 = "Child process was terminated by signal 9 (KILL)"

	// SanitizerContext is how many lines after the sanitizer banner are kept
	SanitizerContext = 1000

	// CombinedSeparator separates the container name from the line in the
	// combined log
	CombinedSeparator = " | "
)

// Match is the first occurrence of a marker
type Match struct {
	File string
	Line int
	// Excerpt is the matching line followed by up to `after` lines
	Excerpt string
}

// LogFiles returns path followed by its rotated siblings (path.1, path.2.gz,
// ...) in rotation order. A missing path yields no files.
func LogFiles(path string) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	rotated, err := filepath.Glob(globEscape(path) + ".*")
	if err != nil {
		return nil, err
	}
	sort.Slice(rotated, func(i, j int) bool {
		ni, nj := rotationIndex(path, rotated[i]), rotationIndex(path, rotated[j])
		if ni != nj {
			return ni < nj
		}
		return rotated[i] < rotated[j]
	})

	return append([]string{path}, rotated...), nil
}

func rotationIndex(base, name string) int {
	suffix := strings.TrimPrefix(name, base+".")
	suffix = strings.TrimSuffix(suffix, ".gz")
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}

func globEscape(path string) string {
	r := strings.NewReplacer("*", `\*`, "?", `\?`, "[", `\[`)
	return r.Replace(path)
}

// FindFirst returns the first line containing marker across path and its
// rotated files, plus up to after following lines from the same file.
// It returns nil when nothing matches or the log does not exist.
func FindFirst(path, marker string, after int) (*Match, error) {
	files, err := LogFiles(path)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		m, err := findInFile(file, marker, after)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return m, nil
		}
	}
	return nil, nil
}

// Contains reports whether marker appears in path or its rotated files
func Contains(path, marker string) (bool, error) {
	m, err := FindFirst(path, marker, 0)
	return m != nil, err
}

func findInFile(file, marker string, after int) (*Match, error) {
	r, err := open(file)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		match   *Match
		excerpt strings.Builder
		left    int
		lineNo  int
	)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if match == nil {
			if !strings.Contains(line, marker) {
				continue
			}
			match = &Match{File: file, Line: lineNo}
			excerpt.WriteString(line)
			excerpt.WriteByte('\n')
			left = after
			if left == 0 {
				break
			}
			continue
		}
		excerpt.WriteString(line)
		excerpt.WriteByte('\n')
		left--
		if left == 0 {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", file, err)
	}

	if match != nil {
		match.Excerpt = excerpt.String()
	}
	return match, nil
}

// FindInCombined scans a combined log ("name | line") and returns the name
// of the first container whose output contains marker
func FindInCombined(path, marker string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, marker) {
			continue
		}
		name, _, _ := strings.Cut(line, "|")
		return strings.TrimSpace(name), true, nil
	}
	if err := scanner.Err(); err != nil {
		return "", false, fmt.Errorf("failed to scan %s: %w", path, err)
	}
	return "", false, nil
}

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var first error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func open(file string) (io.ReadCloser, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(file, ".gz") {
		return f, nil
	}

	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open compressed log %s: %w", file, err)
	}
	return &multiCloser{Reader: zr, closers: []io.Closer{f, zr}}, nil
}
