package transport

import (
	"bytes"
	"testing"
	"time"
)

func TestPipeReadLine(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	if _, err := b.Write([]byte("hello\nworld\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	line, err := a.ReadLine()
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	if string(line) != "hello\n" {
		t.Errorf("got %q, want %q", line, "hello\n")
	}

	line, err = a.ReadLine()
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	if string(line) != "world\n" {
		t.Errorf("got %q, want %q", line, "world\n")
	}
}

func TestPipeReadUntil(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	b.Write([]byte("partial"))
	b.Write([]byte(" response\r\nleftover"))

	out, err := a.ReadUntil([]byte("\r\n"))
	if err != nil {
		t.Fatalf("read until: %v", err)
	}
	if string(out) != "partial response\r\n" {
		t.Errorf("got %q", out)
	}
}

func TestPipeReadTimeout(t *testing.T) {
	a, _ := Pipe()
	defer a.Close()

	if err := a.SetReadTimeout(10 * time.Millisecond); err != nil {
		t.Fatalf("set timeout: %v", err)
	}

	start := time.Now()
	out, err := a.ReadLine()
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty read on timeout, got %q", out)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout took far too long")
	}
}

func TestPipeTimeoutReturnsPartial(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	a.SetReadTimeout(10 * time.Millisecond)
	b.Write([]byte("no newline here"))
	time.Sleep(5 * time.Millisecond)

	out, err := a.ReadLine()
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	if !bytes.Equal(out, []byte("no newline here")) {
		t.Errorf("got %q, want partial data", out)
	}
}

func TestPipeCloseUnblocksReader(t *testing.T) {
	a, b := Pipe()

	errCh := make(chan error, 1)
	go func() {
		_, err := a.ReadLine()
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected error after peer close")
		}
	case <-time.After(time.Second):
		t.Fatal("reader not unblocked by close")
	}
}
