package tool

import (
	"bufio"
	"sync"
)

const maxLine = 64 << 10

// lineWriter splits written output into lines on '\n' or '\r' and keeps a
// bounded tail of everything written.
type lineWriter struct {
	mu      sync.Mutex
	onLine  func(string)
	pending []byte
	tail    []byte
}

func newLineWriter(onLine func(string)) *lineWriter {
	return &lineWriter{onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tail = append(w.tail, p...)
	if over := len(w.tail) - tailLimit; over > 0 {
		w.tail = append(w.tail[:0], w.tail[over:]...)
	}

	w.pending = append(w.pending, p...)
	for {
		advance, token, _ := splitByNewlineOrCR(w.pending, false)
		if advance == 0 {
			break
		}
		if token != nil {
			w.emit(string(token))
		}
		w.pending = w.pending[advance:]
	}
	if len(w.pending) > maxLine {
		w.emit(string(w.pending))
		w.pending = nil
	}
	return len(p), nil
}

// Flush emits a trailing line that had no terminator
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(string(w.pending))
		w.pending = nil
	}
}

// Tail returns the retained end of the output
func (w *lineWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.tail)
}

func (w *lineWriter) emit(line string) {
	if w.onLine != nil {
		w.onLine(line)
	}
}

// splitByNewlineOrCR is a bufio.SplitFunc that treats '\r' as a line end,
// since download tools redraw progress lines in place.
var _ bufio.SplitFunc = splitByNewlineOrCR

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
