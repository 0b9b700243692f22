package jobregistry

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const logChunkSize = 64 * 1024

// ReadLog returns the last tail lines of the file at path (all lines when
// tail is 0) together with the file's total line count. A missing file
// reads as empty.
func ReadLog(path string, tail int) (*LogPage, error) {
	if tail < 0 {
		return nil, &ValidationError{Field: "tail", Message: "tail must be >= 0"}
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &LogPage{Lines: []string{}}, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log: %w", err)
	}
	return readLogAt(f, st.Size(), tail)
}

// readLogAt reads the first size bytes of r. Bytes appended after size are
// ignored so the line count and the returned lines agree.
func readLogAt(r io.ReaderAt, size int64, tail int) (*LogPage, error) {
	total, err := countLines(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, err
	}

	var lines []string
	if tail == 0 {
		lines, err = allLines(io.NewSectionReader(r, 0, size))
	} else {
		lines, err = tailLines(r, size, tail)
	}
	if err != nil {
		return nil, err
	}
	return &LogPage{Lines: lines, TotalLines: total}, nil
}

// countLines counts lines in a streaming pass; an unterminated final line
// counts as a line.
func countLines(r io.ReaderAt) (int, error) {
	buf := make([]byte, logChunkSize)
	var (
		off   int64
		count int
		last  byte
	)
	for {
		n, err := r.ReadAt(buf, off)
		if n > 0 {
			count += bytes.Count(buf[:n], []byte{'\n'})
			last = buf[n-1]
			off += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read log: %w", err)
		}
	}
	if off > 0 && last != '\n' {
		count++
	}
	return count, nil
}

func allLines(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	lines := []string{}
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			lines = append(lines, trimEOL(line))
		}
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read log: %w", err)
		}
	}
}

// tailLines reads backwards from the end in fixed-size chunks until it has
// seen n line breaks, so a small tail never loads the whole file.
func tailLines(r io.ReaderAt, size int64, n int) ([]string, error) {
	if size == 0 {
		return []string{}, nil
	}
	var (
		buf []byte
		pos = size
	)
	for pos > 0 {
		step := int64(logChunkSize)
		if pos < step {
			step = pos
		}
		pos -= step
		chunk := make([]byte, step)
		if _, err := r.ReadAt(chunk, pos); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read log: %w", err)
		}
		buf = append(chunk, buf...)
		if bytes.Count(bytes.TrimSuffix(buf, []byte{'\n'}), []byte{'\n'}) >= n {
			break
		}
	}

	text := strings.TrimSuffix(string(buf), "\n")
	parts := strings.Split(text, "\n")
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	for i := range parts {
		parts[i] = strings.TrimSuffix(parts[i], "\r")
	}
	return parts, nil
}

func trimEOL(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
