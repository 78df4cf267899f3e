// Package filestream writes named, append-only JSON record streams.
//
// Each stream is a file framed by a constant prefix and suffix with records
// joined by a separator, so a closed stream is a valid JSON array.
package filestream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var ErrClosed = errors.New("filestream: closed")

type Options struct {
	Prefix    string
	Suffix    string
	Separator string
}

// JSONArray frames streams as pretty JSON arrays.
var JSONArray = Options{Prefix: "[\n", Suffix: "\n]", Separator: ",\n"}

// Result reports the outcome of one stream after Close.
type Result struct {
	Name    string
	Path    string
	Records int
	Err     error
}

type stream struct {
	path    string
	f       *os.File
	w       *bufio.Writer
	records int
	err     error
}

// Writer manages concurrently open named streams. It is safe for concurrent use.
type Writer struct {
	opt Options

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

func New(opt Options) *Writer {
	return &Writer{opt: opt, streams: map[string]*stream{}}
}

// Open registers a stream at path. The file is created (truncated) lazily on
// the first write; reopening an existing name is a no-op.
func (w *Writer) Open(name, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.streams[name]; !ok {
		w.streams[name] = &stream{path: path}
	}
}

// Write appends JSON-encoded records to a stream. After the first failure the
// stream stays failed and further writes return that error.
func (w *Writer) Write(name string, records ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	s, ok := w.streams[name]
	if !ok {
		return fmt.Errorf("filestream: unknown stream %q", name)
	}
	if s.err != nil {
		return s.err
	}
	for _, rec := range records {
		if err := w.write(s, rec); err != nil {
			s.err = err
			return err
		}
	}
	return nil
}

func (w *Writer) write(s *stream, rec any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record for %s: %w", s.path, err)
	}
	if s.f == nil {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		s.f = f
		s.w = bufio.NewWriter(f)
		if _, err := s.w.WriteString(w.opt.Prefix); err != nil {
			return err
		}
	} else if _, err := s.w.WriteString(w.opt.Separator); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	s.records++
	return nil
}

// Close writes suffixes, closes every stream and reports per-stream results
// sorted by name. Streams that never received a record produce no file.
func (w *Writer) Close() []Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	out := make([]Result, 0, len(w.streams))
	for name, s := range w.streams {
		res := Result{Name: name, Path: s.path, Records: s.records, Err: s.err}
		if s.f != nil {
			var err error
			if res.Err == nil {
				if _, err = s.w.WriteString(w.opt.Suffix); err == nil {
					err = s.w.Flush()
				}
			}
			if cerr := s.f.Close(); err == nil {
				err = cerr
			}
			if res.Err == nil {
				res.Err = err
			}
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Errors returns the non-nil errors of results.
func Errors(results []Result) []error {
	var out []error
	for _, r := range results {
		if r.Err != nil {
			out = append(out, fmt.Errorf("%s: %w", r.Path, r.Err))
		}
	}
	return out
}
