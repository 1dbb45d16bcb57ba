package transport

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// Pipe returns a connected pair of in-memory transports. Bytes written to
// one end become readable on the other. Used by tests and by the simulated
// device mode; closing either end closes both directions.
func Pipe() (Transport, Transport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	var once sync.Once
	closeBoth := func() { once.Do(func() { close(done) }) }
	a := &pipeEnd{in: ba, out: ab, timeout: NoTimeout, done: done, close: closeBoth}
	b := &pipeEnd{in: ab, out: ba, timeout: NoTimeout, done: done, close: closeBoth}
	return a, b
}

type pipeEnd struct {
	in  <-chan []byte
	out chan<- []byte

	mu      sync.Mutex
	pending []byte
	timeout time.Duration

	done  chan struct{}
	close func()
}

func (p *pipeEnd) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
	return nil
}

// fill waits for the peer to produce data. False means the configured
// timeout expired first.
func (p *pipeEnd) fill() (bool, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case b := <-p.in:
		p.pending = append(p.pending, b...)
		return true, nil
	case <-p.done:
		// drain anything already queued before reporting EOF
		select {
		case b := <-p.in:
			p.pending = append(p.pending, b...)
			return true, nil
		default:
		}
		return false, io.EOF
	case <-timer:
		return false, nil
	}
}

func (p *pipeEnd) ReadLine() ([]byte, error) {
	return p.readTo(func(b []byte) int {
		if i := bytes.IndexByte(b, '\n'); i >= 0 {
			return i + 1
		}
		return -1
	})
}

func (p *pipeEnd) ReadUntil(delim []byte) ([]byte, error) {
	return p.readTo(func(b []byte) int {
		if i := bytes.Index(b, delim); i >= 0 {
			return i + len(delim)
		}
		return -1
	})
}

func (p *pipeEnd) readTo(find func([]byte) int) ([]byte, error) {
	for {
		if end := find(p.pending); end >= 0 {
			out := append([]byte(nil), p.pending[:end]...)
			p.pending = append([]byte(nil), p.pending[end:]...)
			return out, nil
		}
		got, err := p.fill()
		if err != nil {
			if len(p.pending) > 0 {
				out := p.pending
				p.pending = nil
				return out, nil
			}
			return nil, err
		}
		if !got {
			out := p.pending
			p.pending = nil
			return out, nil
		}
	}
}

func (p *pipeEnd) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	select {
	case p.out <- cp:
		return len(b), nil
	case <-p.done:
		return 0, io.ErrClosedPipe
	}
}

func (p *pipeEnd) Close() error {
	p.close()
	return nil
}
