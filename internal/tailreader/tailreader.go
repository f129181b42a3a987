// Package tailreader extracts the trailing lines of a file by scanning it
// backwards, so the cost depends on the size of the tail rather than the file.
package tailreader

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/text/encoding/unicode"
)

const chunkSize = 128

// Tail returns the raw bytes that follow the n-th '\n' counted from the end of
// the file. A trailing newline terminates the last line, so it is counted too.
// When the file holds fewer than n newlines the whole file is returned.
func Tail(path string, n int) ([]byte, error) {
	return TailBefore(path, n, -1)
}

// TailBefore is Tail over the first end bytes of the file. A negative end, or
// one past the current size, means the whole file.
func TailBefore(path string, n int, end int64) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if end < 0 || end > st.Size() {
		end = st.Size()
	}
	var (
		out   []byte
		lines int
		buf   = make([]byte, chunkSize)
	)
	for end > 0 && lines < n {
		start := max(end-chunkSize, 0)
		chunk := buf[:end-start]
		// The file may shrink under us; a short read is an error, not a partial tail.
		if _, err := f.ReadAt(chunk, start); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read %s at %d: %w", path, start, err)
		}
		for i := len(chunk) - 1; i >= 0; i-- {
			if chunk[i] == '\n' {
				lines++
				if lines >= n {
					break
				}
			}
			out = append(out, chunk[i])
		}
		end = start
	}

	reverse(out)
	return out, nil
}

// ReadLastNLines returns the last n lines of the file decoded as UTF-8.
// Malformed sequences are replaced with U+FFFD.
func ReadLastNLines(path string, n int) (string, error) {
	b, err := Tail(path, n)
	if err != nil {
		return "", err
	}
	s, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return string(s), nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
