// Package lvptest provides an in-memory simulated LVP device for tests.
// It speaks the device side of the protocol over a transport.Pipe end:
// handshake, quiet connect, parameter get/set and custom commands.
package lvptest

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"lvp-hub/internal/transport"
)

var (
	getCmdRE = regexp.MustCompile(`^get\((\w+)\)$`)
	setCmdRE = regexp.MustCompile(`^set\((\w+),(.*)\)$`)
)

// Device simulates LVP firmware attached to one end of a pipe.
type Device struct {
	tr transport.Transport

	// Boot is written to the wire before the device starts answering,
	// imitating firmware boot chatter.
	Boot string

	// Handler, when set, answers commands that are not handshake, quiet
	// connect, get or set. The returned text is written verbatim, so it
	// should carry its own "\r\n" terminator.
	Handler func(cmd string) (string, bool)

	mu     sync.Mutex
	params map[string]string
	quiet  bool
	sets   []string // every set command seen, in arrival order
}

// NewDevice wraps the device end of a pipe. Call Start to begin serving.
func NewDevice(tr transport.Transport) *Device {
	return &Device{tr: tr, params: make(map[string]string)}
}

// SetParam seeds a parameter value.
func (d *Device) SetParam(name, value string) {
	d.mu.Lock()
	d.params[name] = value
	d.mu.Unlock()
}

// Param reads a parameter value as the device holds it.
func (d *Device) Param(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.params[name]
	return v, ok
}

// Sets returns every set command received, in order.
func (d *Device) Sets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sets...)
}

// Quiet reports whether the device is currently in quiet mode.
func (d *Device) Quiet() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quiet
}

// Start serves the protocol until the pipe closes.
func (d *Device) Start() {
	go d.serve()
}

func (d *Device) serve() {
	if d.Boot != "" {
		d.tr.Write([]byte(d.Boot))
	}
	for {
		line, err := d.tr.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(string(line))
		if cmd == "" {
			continue
		}
		d.handle(cmd)
	}
}

func (d *Device) handle(cmd string) {
	switch cmd {
	case "manual_connect":
		d.mu.Lock()
		d.quiet = false
		d.mu.Unlock()
		d.tr.Write([]byte("Manual connection established.\n\r\n"))
		return
	case "quiet_connect":
		d.mu.Lock()
		d.quiet = true
		d.mu.Unlock()
		return
	}

	if m := setCmdRE.FindStringSubmatch(cmd); m != nil {
		d.mu.Lock()
		d.params[m[1]] = m[2]
		d.sets = append(d.sets, cmd)
		quiet := d.quiet
		d.mu.Unlock()
		if !quiet {
			d.tr.Write([]byte(fmt.Sprintf("Parameter '%s' set to '%s'\r\n", m[1], m[2])))
		}
		return
	}

	if d.Quiet() {
		return
	}

	if m := getCmdRE.FindStringSubmatch(cmd); m != nil {
		d.mu.Lock()
		v, ok := d.params[m[1]]
		d.mu.Unlock()
		if !ok {
			d.tr.Write([]byte(fmt.Sprintf("Unknown parameter '%s'\r\n", m[1])))
			return
		}
		d.tr.Write([]byte(fmt.Sprintf("Parameter '%s': %s\r\n", m[1], v)))
		return
	}

	if d.Handler != nil {
		if out, ok := d.Handler(cmd); ok {
			d.tr.Write([]byte(out))
			return
		}
	}
	d.tr.Write([]byte("ok\r\n"))
}
