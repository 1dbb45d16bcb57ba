// Package logsink collects raw link traffic. Every message a link sends
// or receives is handed to a Sink; sinks may write files, persist to
// bbolt, or fan out to several destinations.
package logsink

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// Entry is one logged message from one link.
type Entry struct {
	Link string
	Time time.Time
	Data []byte
}

// Sink receives link traffic. Implementations must tolerate concurrent
// calls; links log while holding their own lock, so a Sink must never
// call back into a link.
type Sink interface {
	Log(Entry)
}

// Discard drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Log(Entry) {}

// Multi fans entries out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Log(e Entry) {
	for _, s := range m {
		s.Log(e)
	}
}

// WriterSink appends entries to an io.Writer, optionally prefixing every
// line with the link id and a timestamp.
type WriterSink struct {
	mu        sync.Mutex
	w         io.Writer
	WithLink  bool
	WithStamp bool
}

func NewWriterSink(w io.Writer, withLink, withStamp bool) *WriterSink {
	return &WriterSink{w: w, WithLink: withLink, WithStamp: withStamp}
}

func (s *WriterSink) Log(e Entry) {
	var prefix []byte
	if s.WithLink {
		prefix = append(prefix, '[')
		prefix = append(prefix, e.Link...)
		prefix = append(prefix, "] "...)
	}
	if s.WithStamp {
		prefix = append(prefix, '[')
		prefix = e.Time.AppendFormat(prefix, "15:04:05")
		prefix = append(prefix, "] "...)
	}

	out := prefixLines(e.Data, prefix)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(out)
}

// prefixLines prepends prefix to every line of msg and guarantees a
// trailing newline.
func prefixLines(msg, prefix []byte) []byte {
	if !bytes.HasSuffix(msg, []byte("\n")) {
		msg = append(append([]byte(nil), msg...), '\n')
	}
	if len(prefix) == 0 {
		return msg
	}
	var out []byte
	for _, line := range bytes.SplitAfter(msg, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		out = append(out, prefix...)
		out = append(out, line...)
	}
	return out
}
