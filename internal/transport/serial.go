package transport

import (
	"bytes"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialPort is a Transport over a real serial device.
type SerialPort struct {
	port    serial.Port
	pending []byte
}

// OpenSerial opens the serial device at path in 8N1 mode.
func OpenSerial(path string, baud int) (*SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return &SerialPort{port: port}, nil
}

func (s *SerialPort) SetReadTimeout(d time.Duration) error {
	if d < 0 {
		return s.port.SetReadTimeout(serial.NoTimeout)
	}
	return s.port.SetReadTimeout(d)
}

// fill performs one read from the port into the pending buffer. The
// returned bool reports whether any bytes arrived; false means the read
// timed out.
func (s *SerialPort) fill() (bool, error) {
	buf := make([]byte, 256)
	n, err := s.port.Read(buf)
	if err != nil {
		return false, fmt.Errorf("serial read: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	s.pending = append(s.pending, buf[:n]...)
	return true, nil
}

func (s *SerialPort) ReadLine() ([]byte, error) {
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := append([]byte(nil), s.pending[:i+1]...)
			s.pending = append([]byte(nil), s.pending[i+1:]...)
			return line, nil
		}
		got, err := s.fill()
		if err != nil {
			return nil, err
		}
		if !got {
			out := s.pending
			s.pending = nil
			return out, nil
		}
	}
}

func (s *SerialPort) ReadUntil(delim []byte) ([]byte, error) {
	for {
		if i := bytes.Index(s.pending, delim); i >= 0 {
			end := i + len(delim)
			out := append([]byte(nil), s.pending[:end]...)
			s.pending = append([]byte(nil), s.pending[end:]...)
			return out, nil
		}
		got, err := s.fill()
		if err != nil {
			return nil, err
		}
		if !got {
			out := s.pending
			s.pending = nil
			return out, nil
		}
	}
}

func (s *SerialPort) Write(p []byte) (int, error) {
	n, err := s.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("serial write: %w", err)
	}
	return n, nil
}

func (s *SerialPort) Close() error {
	return s.port.Close()
}
