package lvp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"lvp-hub/internal/logsink"
	"lvp-hub/internal/lvptest"
	"lvp-hub/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestLink wires a link to a simulated device over an in-memory pipe.
func newTestLink(t *testing.T, cfg Config) (*Link, *lvptest.Device) {
	t.Helper()
	host, devEnd := transport.Pipe()
	dev := lvptest.NewDevice(devEnd)

	if cfg.ID == "" {
		cfg.ID = "A"
	}
	cfg.Device = "pipe"
	cfg.Cooldown = -1
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = time.Second
	}

	l, err := New(host, logsink.Discard, cfg, testLogger())
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	dev.Start()
	return l, dev
}

func TestNewRequiresID(t *testing.T) {
	host, _ := transport.Pipe()
	defer host.Close()
	if _, err := New(host, nil, Config{}, testLogger()); err == nil {
		t.Fatal("expected error for missing link id")
	}
}

func TestInitHandshake(t *testing.T) {
	l, _ := newTestLink(t, Config{})

	if err := l.Init(false); err != nil {
		t.Fatalf("init: %v", err)
	}
	if l.State() != StateReady {
		t.Errorf("state = %v, want ready", l.State())
	}

	hist := strings.Join(l.History(), "")
	if !strings.Contains(hist, "manual_connect") {
		t.Errorf("history missing handshake command: %q", hist)
	}
	if !strings.Contains(hist, "Manual connection established.") {
		t.Errorf("history missing handshake ack: %q", hist)
	}
}

func TestInitDrainsBootOutput(t *testing.T) {
	host, devEnd := transport.Pipe()
	dev := lvptest.NewDevice(devEnd)
	dev.Boot = "boot: self test ok\nboot: sensors ready\n"
	dev.Start()

	l, err := New(host, logsink.Discard, Config{
		ID: "A", Cooldown: -1, HandshakeTimeout: time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	defer l.Close()

	// give the boot chatter time to land before draining starts
	time.Sleep(10 * time.Millisecond)
	if err := l.Init(false); err != nil {
		t.Fatalf("init: %v", err)
	}

	hist := strings.Join(l.History(), "")
	if !strings.Contains(hist, "self test ok") {
		t.Errorf("boot output not recorded: %q", hist)
	}
}

func TestInitIdempotent(t *testing.T) {
	l, _ := newTestLink(t, Config{})

	if err := l.Init(false); err != nil {
		t.Fatalf("first init: %v", err)
	}
	before := len(l.History())
	if err := l.Init(false); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if got := len(l.History()); got != before {
		t.Errorf("second init touched the wire: %d -> %d history entries", before, got)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	host, _ := transport.Pipe()
	l, err := New(host, nil, Config{
		ID: "A", Cooldown: -1, HandshakeTimeout: 50 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	defer l.Close()

	if err := l.Init(false); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("got %v, want ErrHandshakeTimeout", err)
	}
	if l.State() == StateReady {
		t.Error("link must not be ready after a failed handshake")
	}
}

func TestGetCoercion(t *testing.T) {
	l, dev := newTestLink(t, Config{})
	dev.SetParam("count", "42")
	dev.SetParam("ratio", "3.5")
	dev.SetParam("mode", "manual")

	tests := []struct {
		name string
		want any
	}{
		{"count", 42},
		{"ratio", 3.5},
		{"mode", "manual"},
	}
	for _, tt := range tests {
		got, err := l.Get(tt.name)
		if err != nil {
			t.Fatalf("get %s: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("get %s = %v (%T), want %v (%T)", tt.name, got, got, tt.want, tt.want)
		}
	}
}

func TestGetUnknownParameter(t *testing.T) {
	l, _ := newTestLink(t, Config{})

	_, err := l.Get("missing")
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProtocolError", err)
	}
	if perr.Op != "get" || !strings.Contains(perr.Raw, "missing") {
		t.Errorf("unexpected protocol error: %+v", perr)
	}
}

func TestSetRoundTrip(t *testing.T) {
	l, dev := newTestLink(t, Config{})

	if err := l.Set("speed", 10); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := dev.Param("speed"); v != "10" {
		t.Errorf("device holds %q, want 10", v)
	}

	got, err := l.Get("speed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != 10 {
		t.Errorf("round trip = %v (%T), want int 10", got, got)
	}
}

func TestSetFloatFormatting(t *testing.T) {
	l, dev := newTestLink(t, Config{})

	if err := l.Set("ratio", 2.5); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := dev.Param("ratio"); v != "2.5" {
		t.Errorf("device holds %q, want 2.5", v)
	}
}

func TestSetAllOrdered(t *testing.T) {
	l, dev := newTestLink(t, Config{})

	err := l.SetAll([]Assignment{
		{"first", 1},
		{"second", 2},
		{"third", 3},
	})
	if err != nil {
		t.Fatalf("set all: %v", err)
	}

	sets := dev.Sets()
	want := []string{"set(first,1)", "set(second,2)", "set(third,3)"}
	if len(sets) != len(want) {
		t.Fatalf("got %v, want %v", sets, want)
	}
	for i := range want {
		if sets[i] != want[i] {
			t.Errorf("sets[%d] = %q, want %q", i, sets[i], want[i])
		}
	}
}

func TestExec(t *testing.T) {
	l, dev := newTestLink(t, Config{})
	dev.Handler = func(cmd string) (string, bool) {
		if cmd == "status" {
			return "all systems nominal\r\n", true
		}
		return "", false
	}

	out, err := l.Exec("status")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out != "all systems nominal\n" {
		t.Errorf("got %q", out)
	}
}

func TestSendMultiLineResponse(t *testing.T) {
	l, dev := newTestLink(t, Config{})
	dev.Handler = func(cmd string) (string, bool) {
		if cmd == "dump" {
			return "header\r\ndetail line\n", true
		}
		return "", false
	}

	out, err := l.Exec("dump")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out != "header\ndetail line\n" {
		t.Errorf("got %q", out)
	}
}

func TestQuietScope(t *testing.T) {
	l, dev := newTestLink(t, Config{})

	err := l.Quiet(func() error {
		if !l.IsQuiet() {
			t.Error("link not quiet inside scope")
		}
		out, err := l.Send("set(speed,5)", 0)
		if err != nil {
			return err
		}
		if out != "" {
			t.Errorf("quiet send returned %q, want empty", out)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("quiet: %v", err)
	}

	if l.IsQuiet() {
		t.Error("quiet not restored")
	}
	// restore re-established the manual connection on the device too
	if dev.Quiet() {
		t.Error("device still quiet after scope exit")
	}
	if v, _ := dev.Param("speed"); v != "5" {
		t.Errorf("quiet set not applied, device holds %q", v)
	}
}

func TestQuietRestoredOnError(t *testing.T) {
	l, dev := newTestLink(t, Config{})
	boom := errors.New("boom")

	err := l.Quiet(func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped boom", err)
	}
	if l.IsQuiet() {
		t.Error("quiet not restored after error")
	}
	if dev.Quiet() {
		t.Error("device still quiet after error")
	}
}

func TestQuietNested(t *testing.T) {
	l, dev := newTestLink(t, Config{})

	err := l.Quiet(func() error {
		inner := l.Quiet(func() error { return nil })
		if inner != nil {
			return inner
		}
		if !l.IsQuiet() {
			t.Error("outer quiet lost after nested scope")
		}
		if !dev.Quiet() {
			t.Error("device left quiet mode after nested scope")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("quiet: %v", err)
	}
	if l.IsQuiet() {
		t.Error("quiet not restored after outer scope")
	}
}

func TestDeclareInvalidSpecBindsNothing(t *testing.T) {
	l, _ := newTestLink(t, Config{})

	if _, err := l.Declare("broken(spec"); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("got %v, want ErrInvalidSpec", err)
	}
	if _, ok := l.Function("broken"); ok {
		t.Error("malformed spec must not bind a function")
	}
}

func TestFunctionCall(t *testing.T) {
	l, dev := newTestLink(t, Config{})
	dev.Handler = func(cmd string) (string, bool) {
		if cmd == "ramp" {
			return "ramping\r\n", true
		}
		return "", false
	}

	fn, err := l.Declare("ramp(target,duration)")
	if err != nil {
		t.Fatalf("declare: %v", err)
	}

	out, err := fn.Call([]any{10, 2.5}, false)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "ramping\n" {
		t.Errorf("got %q", out)
	}

	sets := dev.Sets()
	if len(sets) != 2 || sets[0] != "set(target,10)" || sets[1] != "set(duration,2.5)" {
		t.Errorf("unexpected assignments: %v", sets)
	}
}

func TestFunctionCallByName(t *testing.T) {
	l, _ := newTestLink(t, Config{})
	if _, err := l.Declare("stop()"); err != nil {
		t.Fatalf("declare: %v", err)
	}

	if _, err := l.Call("stop", nil, false); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := l.Call("undeclared", nil, false); !errors.Is(err, ErrUnknownFunction) {
		t.Fatalf("got %v, want ErrUnknownFunction", err)
	}
}

func TestFunctionCallArgCount(t *testing.T) {
	l, _ := newTestLink(t, Config{})
	fn, err := l.Declare("move(x,y)")
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if _, err := fn.Call([]any{1}, false); err == nil {
		t.Fatal("expected error for argument count mismatch")
	}
}

func TestFunctionCallQuiet(t *testing.T) {
	l, dev := newTestLink(t, Config{})
	fn, err := l.Declare("ramp(target)")
	if err != nil {
		t.Fatalf("declare: %v", err)
	}

	out, err := fn.Call([]any{7}, true)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "" {
		t.Errorf("quiet call returned %q, want empty", out)
	}
	if v, _ := dev.Param("target"); v != "7" {
		t.Errorf("device holds %q, want 7", v)
	}
	if l.IsQuiet() || dev.Quiet() {
		t.Error("quiet not restored after call")
	}
}

func TestConfigFunctionsDeclared(t *testing.T) {
	l, _ := newTestLink(t, Config{Functions: []string{"ramp(target)", "stop()"}})

	for _, name := range []string{"ramp", "stop"} {
		if _, ok := l.Function(name); !ok {
			t.Errorf("function %q not declared from config", name)
		}
	}
}

func TestBackground(t *testing.T) {
	l, dev := newTestLink(t, Config{})

	var mu sync.Mutex
	ticks := 0
	dev.Handler = func(cmd string) (string, bool) {
		if cmd == "tick" {
			mu.Lock()
			ticks++
			mu.Unlock()
			return "tock\r\n", true
		}
		return "", false
	}

	stop := l.Background("tick", 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	stop()
	stop() // idempotent

	mu.Lock()
	after := ticks
	mu.Unlock()
	if after < 2 {
		t.Fatalf("background ran %d times, want at least 2", after)
	}

	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	final := ticks
	mu.Unlock()
	// the iteration in flight at stop time may still land
	if final > after+1 {
		t.Errorf("background kept running after stop: %d -> %d", after, final)
	}
}

func TestConcurrentExchangesDoNotInterleave(t *testing.T) {
	l, dev := newTestLink(t, Config{})
	dev.SetParam("x", "1")

	var wg sync.WaitGroup
	errCh := make(chan error, 40)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if w%2 == 0 {
					if _, err := l.Get("x"); err != nil {
						errCh <- err
						return
					}
				} else {
					if err := l.Set("x", i); err != nil {
						errCh <- err
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent exchange failed: %v", err)
	}
}

func TestHistoryRing(t *testing.T) {
	l, dev := newTestLink(t, Config{})
	dev.Handler = func(cmd string) (string, bool) {
		return fmt.Sprintf("echo %s\r\n", cmd), true
	}

	for i := 0; i < 50; i++ {
		if _, err := l.Exec(fmt.Sprintf("cmd%d", i)); err != nil {
			t.Fatalf("exec: %v", err)
		}
	}

	hist := l.History()
	if len(hist) != historySize {
		t.Fatalf("history length = %d, want %d", len(hist), historySize)
	}
	last := hist[len(hist)-1]
	if !strings.Contains(last, "cmd49") {
		t.Errorf("newest entry %q does not reflect the last exchange", last)
	}
	joined := strings.Join(hist, "")
	if strings.Contains(joined, "manual_connect") {
		t.Error("oldest entries not evicted from the ring")
	}
}
