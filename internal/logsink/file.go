package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink writes traffic to timestamped log files under a directory.
// With PerLink set, each link gets its own file; otherwise all links
// share one file and lines carry a link prefix.
type FileSink struct {
	dir     string
	stamp   string
	perLink bool

	mu    sync.Mutex
	files map[string]*WriterSink
	open  []*os.File
}

func NewFileSink(dir string, perLink bool) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &FileSink{
		dir:     dir,
		stamp:   time.Now().Format("20060102-150405"),
		perLink: perLink,
		files:   make(map[string]*WriterSink),
	}, nil
}

func (s *FileSink) Log(e Entry) {
	w, err := s.sinkFor(e.Link)
	if err != nil {
		return
	}
	w.Log(e)
}

func (s *FileSink) sinkFor(link string) (*WriterSink, error) {
	key := ""
	if s.perLink {
		key = link
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.files[key]; ok {
		return w, nil
	}

	name := s.stamp + ".log"
	if s.perLink {
		name = s.stamp + "-" + link + ".log"
	}
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s.open = append(s.open, f)

	// merged files need the link prefix to stay readable
	w := NewWriterSink(f, !s.perLink, true)
	s.files[key] = w
	return w, nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, f := range s.open {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.open = nil
	s.files = make(map[string]*WriterSink)
	return first
}
