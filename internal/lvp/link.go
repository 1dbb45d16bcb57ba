// Package lvp implements the client side of the LVP textual serial
// protocol: handshake, framed request/response exchanges, parameter
// access, declared device functions and periodic background commands.
package lvp

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lvp-hub/internal/logsink"
	"lvp-hub/internal/transport"
)

const (
	handshakeCommand = "manual_connect\n"
	quietCommand     = "quiet_connect\n"
	handshakeAck     = "Manual connection established.\n\r\n"

	// DefaultBaud is the line rate LVP firmware ships with.
	DefaultBaud = 9600

	// DefaultCooldown is how long a freshly attached device needs before
	// it accepts a handshake.
	DefaultCooldown = 2 * time.Second

	bootDrainTimeout = time.Second / 16
	flushTimeout     = time.Second / 64

	historySize = 64
)

var (
	getRespRE = regexp.MustCompile(`Parameter\s+'(\w+)':\s*(.+)`)
	setRespRE = regexp.MustCompile(`Parameter\s+'(\w+)'\s+set to\s+'([^']*)'`)
)

// State is the lifecycle phase of a link.
type State int32

const (
	StateUninitialized State = iota
	StateAwaitingCooldown
	StateDraining
	StateHandshaking
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAwaitingCooldown:
		return "awaiting_cooldown"
	case StateDraining:
		return "draining"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Config describes one link.
type Config struct {
	// ID names the link everywhere: pool queries, logs, topics. Required.
	ID string

	// Device is the serial port path. Open falls back to the single
	// available port when empty.
	Device string

	Baud int

	// Cooldown delays the first handshake after construction. Zero means
	// DefaultCooldown; negative disables the wait.
	Cooldown time.Duration

	// HandshakeTimeout bounds the wait for the handshake acknowledgment.
	// Zero waits forever.
	HandshakeTimeout time.Duration

	// Functions are declared on the link at construction.
	Functions []string
}

// Assignment is one parameter update. Set applies assignments strictly in
// order, one exchange each.
type Assignment struct {
	Name  string
	Value any
}

// Link is a client connection to one LVP device. A single mutex
// serializes all wire traffic, so concurrent callers never interleave
// exchanges.
type Link struct {
	id     string
	device string
	tr     transport.Transport
	sink   logsink.Sink
	logger *slog.Logger

	connectAfter     time.Time
	handshakeTimeout time.Duration

	state atomic.Int32

	mu    sync.Mutex // guards the transport, quiet, ready, history
	quiet bool
	ready bool
	hist  [historySize][]byte
	histN int

	funcMu sync.RWMutex
	funcs  map[string]*Function
}

// New builds a link over an existing transport. A nil sink discards
// traffic. Functions listed in the config are declared immediately.
func New(tr transport.Transport, sink logsink.Sink, cfg Config, logger *slog.Logger) (*Link, error) {
	if cfg.ID == "" {
		return nil, errors.New("link id is required")
	}
	if tr == nil {
		return nil, errors.New("link transport is required")
	}
	if sink == nil {
		sink = logsink.Discard
	}
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = DefaultCooldown
	}
	if cooldown < 0 {
		cooldown = 0
	}

	l := &Link{
		id:               cfg.ID,
		device:           cfg.Device,
		tr:               tr,
		sink:             sink,
		logger:           logger.With("component", "lvp", "link", cfg.ID),
		connectAfter:     time.Now().Add(cooldown),
		handshakeTimeout: cfg.HandshakeTimeout,
		funcs:            make(map[string]*Function),
	}
	for _, spec := range cfg.Functions {
		if _, err := l.Declare(spec); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Open opens the configured serial device and builds a link over it. An
// empty device path picks the single available port or fails.
func Open(cfg Config, sink logsink.Sink, logger *slog.Logger) (*Link, error) {
	if cfg.Device == "" {
		port, err := transport.DefaultPort(nil)
		if err != nil {
			return nil, err
		}
		cfg.Device = port
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	tr, err := transport.OpenSerial(cfg.Device, cfg.Baud)
	if err != nil {
		return nil, err
	}
	l, err := New(tr, sink, cfg, logger)
	if err != nil {
		tr.Close()
		return nil, err
	}
	return l, nil
}

func (l *Link) ID() string     { return l.id }
func (l *Link) Device() string { return l.device }

func (l *Link) String() string {
	return fmt.Sprintf("link %s at %s", l.id, l.device)
}

// State reports the current lifecycle phase.
func (l *Link) State() State {
	return State(l.state.Load())
}

func (l *Link) setState(s State) {
	l.state.Store(int32(s))
}

// IsQuiet reports whether device responses are currently suppressed.
func (l *Link) IsQuiet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quiet
}

// History returns the most recent messages, oldest first. At most the
// last 64 are retained.
func (l *Link) History() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.histN
	if n > historySize {
		n = historySize
	}
	out := make([]string, 0, n)
	for i := l.histN - n; i < l.histN; i++ {
		out = append(out, string(l.hist[i%historySize]))
	}
	return out
}

// logLocked records one message in the ring and hands it to the sink.
// Callers hold l.mu.
func (l *Link) logLocked(msg []byte) {
	cp := append([]byte(nil), msg...)
	l.hist[l.histN%historySize] = cp
	l.histN++
	l.sink.Log(logsink.Entry{Link: l.id, Time: time.Now(), Data: cp})
}

func (l *Link) writeLocked(data []byte) error {
	if _, err := l.tr.Write(data); err != nil {
		return fmt.Errorf("link %s: write: %w", l.id, err)
	}
	l.logLocked(append([]byte(">>> "), data...))
	return nil
}

// Init performs the connection handshake: wait out the boot cooldown,
// drain whatever the device printed while booting, send the manual
// connect command and await its acknowledgment. Repeated calls are
// no-ops unless force is set. Every exchange calls Init implicitly.
func (l *Link) Init(force bool) error {
	l.mu.Lock()
	if l.ready && !force {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if wait := time.Until(l.connectAfter); wait > 0 {
		l.setState(StateAwaitingCooldown)
		time.Sleep(wait)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready && !force {
		return nil
	}

	l.setState(StateDraining)
	if err := l.tr.SetReadTimeout(bootDrainTimeout); err != nil {
		return fmt.Errorf("link %s: set read timeout: %w", l.id, err)
	}
	for {
		msg, err := l.tr.ReadLine()
		if err != nil {
			l.setState(StateUninitialized)
			return fmt.Errorf("link %s: drain boot output: %w", l.id, err)
		}
		if len(msg) == 0 {
			break
		}
		l.logLocked(msg)
	}

	l.setState(StateHandshaking)
	if err := l.writeLocked([]byte(handshakeCommand)); err != nil {
		l.setState(StateUninitialized)
		return err
	}
	timeout := transport.NoTimeout
	if l.handshakeTimeout > 0 {
		timeout = l.handshakeTimeout
	}
	if err := l.tr.SetReadTimeout(timeout); err != nil {
		l.setState(StateUninitialized)
		return fmt.Errorf("link %s: set read timeout: %w", l.id, err)
	}
	ack, err := l.tr.ReadUntil([]byte(handshakeAck))
	if err != nil {
		l.setState(StateUninitialized)
		return fmt.Errorf("link %s: read handshake ack: %w", l.id, err)
	}
	if !bytes.HasSuffix(ack, []byte(handshakeAck)) {
		l.setState(StateUninitialized)
		return fmt.Errorf("link %s: %w after %v (got %q)", l.id, ErrHandshakeTimeout, l.handshakeTimeout, ack)
	}
	l.logLocked(ack)
	l.ready = true
	l.setState(StateReady)
	l.logger.Debug("link ready")
	return nil
}

// Send writes one command and collects its response. A newline is added
// when missing. The response is everything up to the \r\n terminator plus
// any lines that follow within the flush window, with \r\n normalized to
// \n. In quiet mode nothing is read and the result is empty. timeout
// bounds the wait for the terminator; zero waits forever.
func (l *Link) Send(msg string, timeout time.Duration) (string, error) {
	if err := l.Init(false); err != nil {
		return "", err
	}

	payload := []byte(msg)
	if !bytes.HasSuffix(payload, []byte("\n")) {
		payload = append(payload, '\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writeLocked(payload); err != nil {
		return "", err
	}
	if l.quiet {
		return "", nil
	}

	readTimeout := transport.NoTimeout
	if timeout > 0 {
		readTimeout = timeout
	}
	if err := l.tr.SetReadTimeout(readTimeout); err != nil {
		return "", fmt.Errorf("link %s: set read timeout: %w", l.id, err)
	}
	out, err := l.tr.ReadUntil([]byte("\r\n"))
	if err != nil {
		return "", fmt.Errorf("link %s: read response: %w", l.id, err)
	}

	// catch stragglers printed after the terminator
	if err := l.tr.SetReadTimeout(flushTimeout); err != nil {
		return "", fmt.Errorf("link %s: set read timeout: %w", l.id, err)
	}
	for {
		extra, err := l.tr.ReadLine()
		if err != nil {
			return "", fmt.Errorf("link %s: flush response: %w", l.id, err)
		}
		if len(extra) == 0 {
			break
		}
		out = append(out, extra...)
	}

	l.logLocked(out)
	return strings.ReplaceAll(string(out), "\r\n", "\n"), nil
}

// Exec runs a bare command and returns the device's response.
func (l *Link) Exec(cmd string) (string, error) {
	return l.Send(cmd, 0)
}

// Get reads one parameter, validating the response echoes the requested
// name, and coerces the value.
func (l *Link) Get(name string) (any, error) {
	if l.IsQuiet() {
		return nil, fmt.Errorf("link %s: get %s: %w", l.id, name, ErrQuiet)
	}
	out, err := l.Send(fmt.Sprintf("get(%s)", name), 0)
	if err != nil {
		return nil, err
	}
	m := getRespRE.FindStringSubmatch(out)
	if m == nil || m[1] != name {
		return nil, &ProtocolError{Op: "get", Name: name, Raw: out}
	}
	return Coerce(m[2]), nil
}

// GetMany reads several parameters, one exchange each, in order.
func (l *Link) GetMany(names ...string) ([]any, error) {
	out := make([]any, 0, len(names))
	for _, name := range names {
		v, err := l.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Set writes one parameter. Outside quiet mode the confirmation must
// echo the parameter name.
func (l *Link) Set(name string, value any) error {
	out, err := l.Send(fmt.Sprintf("set(%s,%v)", name, value), 0)
	if err != nil {
		return err
	}
	if l.IsQuiet() {
		return nil
	}
	m := setRespRE.FindStringSubmatch(out)
	if m == nil || m[1] != name {
		return &ProtocolError{Op: "set", Name: name, Raw: out}
	}
	return nil
}

// SetAll applies assignments strictly in order.
func (l *Link) SetAll(assignments []Assignment) error {
	for _, a := range assignments {
		if err := l.Set(a.Name, a.Value); err != nil {
			return err
		}
	}
	return nil
}

// Quiet runs fn with device responses suppressed. Entering sends the
// quiet connect command without awaiting acknowledgment; on return the
// previous mode is always restored, re-establishing the manual
// connection when quiet was newly entered. Nested calls are no-ops.
func (l *Link) Quiet(fn func() error) (err error) {
	if ierr := l.Init(false); ierr != nil {
		return ierr
	}

	l.mu.Lock()
	prev := l.quiet
	if !prev {
		if werr := l.writeLocked([]byte(quietCommand)); werr != nil {
			l.mu.Unlock()
			return werr
		}
		l.quiet = true
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.quiet = prev
		l.mu.Unlock()
		if !prev {
			if _, rerr := l.Send(strings.TrimSuffix(handshakeCommand, "\n"), 0); rerr != nil {
				err = errors.Join(err, fmt.Errorf("link %s: restore manual mode: %w", l.id, rerr))
			}
		}
	}()

	return fn()
}

// Declare registers a device function from a specification like
// "ramp(target,duration)". A malformed specification binds nothing.
func (l *Link) Declare(spec string) (*Function, error) {
	name, params, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	fn := &Function{name: name, params: params, link: l}
	l.funcMu.Lock()
	l.funcs[name] = fn
	l.funcMu.Unlock()
	return fn, nil
}

// Function looks up a declared function by name.
func (l *Link) Function(name string) (*Function, bool) {
	l.funcMu.RLock()
	defer l.funcMu.RUnlock()
	fn, ok := l.funcs[name]
	return fn, ok
}

// Functions lists the declared function names.
func (l *Link) Functions() []string {
	l.funcMu.RLock()
	defer l.funcMu.RUnlock()
	out := make([]string, 0, len(l.funcs))
	for name := range l.funcs {
		out = append(out, name)
	}
	return out
}

// Call invokes a declared function by name.
func (l *Link) Call(name string, args []any, quiet bool) (string, error) {
	fn, ok := l.Function(name)
	if !ok {
		return "", fmt.Errorf("link %s: %w: %q", l.id, ErrUnknownFunction, name)
	}
	return fn.Call(args, quiet)
}

// Background runs cmd now and then every period until the returned stop
// function is called. A running exchange is never interrupted; stop
// prevents further iterations. Failures are logged, not fatal.
func (l *Link) Background(cmd string, period time.Duration) func() {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, err := l.Exec(cmd); err != nil {
				l.logger.Warn("background command failed", "cmd", cmd, "err", err)
			}
			select {
			case <-done:
				return
			case <-time.After(period):
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

// Close releases the underlying transport.
func (l *Link) Close() error {
	return l.tr.Close()
}
