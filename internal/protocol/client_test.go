package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xilian/equipment-stream/internal/config"
	"github.com/xilian/equipment-stream/internal/model"
)

// fakeTransport 按顺序返回预设的拨号结果
type fakeTransport struct {
	mu      sync.Mutex
	results []error
	dials   int
	hangups int
}

func (f *fakeTransport) dial(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

func (f *fakeTransport) hangup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups++
	return nil
}

func (f *fakeTransport) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials, f.hangups
}

func newTestSession(ft *fakeTransport, maxAttempts int) *session {
	s := newSession("test", model.ProtocolMQTT, config.ReconnectConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
		MaxAttempts:     maxAttempts,
	}, time.Second, nil, nil)
	s.transport = ft
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestConnectSuccess(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft, 3)
	var rec stateRecorder
	s.OnStateChange(rec.handle)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !s.IsConnected() {
		t.Fatal("Expected connected")
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0] != model.StateConnecting || got[1] != model.StateConnected {
		t.Errorf("Expected connecting then connected, got %v", got)
	}

	// 已连接时再次 Connect 不产生迁移
	if err := s.Connect(context.Background()); err != nil {
		t.Errorf("Second Connect failed: %v", err)
	}
	if len(rec.snapshot()) != 2 {
		t.Errorf("Expected no extra transitions, got %v", rec.snapshot())
	}
}

func TestConnectFailureEndsDisconnected(t *testing.T) {
	refused := errors.New("connection refused")
	ft := &fakeTransport{results: []error{refused}}
	s := newTestSession(ft, 3)
	var rec stateRecorder
	s.OnStateChange(rec.handle)

	err := s.Connect(context.Background())
	if !errors.Is(err, refused) {
		t.Fatalf("Expected wrapped refusal, got %v", err)
	}

	want := []model.ConnectionState{model.StateConnecting, model.StateError, model.StateDisconnected}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if s.Status().LastError != "connection refused" {
		t.Errorf("Expected last error kept, got %q", s.Status().LastError)
	}
}

func TestDropReconnectsAndResetsAttempts(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft, 5)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var rec stateRecorder
	s.OnStateChange(rec.handle)

	ft.mu.Lock()
	ft.results = []error{errors.New("refused"), errors.New("refused")}
	ft.mu.Unlock()

	s.dropped(errors.New("keepalive timeout"))
	waitFor(t, func() bool { return s.IsConnected() })

	if rec.count(model.StateReconnecting) != 1 {
		t.Errorf("Expected exactly one reconnecting notification, got %v", rec.snapshot())
	}
	if s.machine.Attempts() != 0 {
		t.Errorf("Expected attempts reset after reconnect, got %d", s.machine.Attempts())
	}
	if dials, _ := ft.counts(); dials != 4 {
		t.Errorf("Expected 4 dials (1 connect + 3 reconnect), got %d", dials)
	}
}

func TestDropIgnoredWhenNotConnected(t *testing.T) {
	s := newTestSession(&fakeTransport{}, 3)
	var rec stateRecorder
	s.OnStateChange(rec.handle)

	s.dropped(errors.New("late callback"))
	if len(rec.snapshot()) != 0 {
		t.Errorf("Expected no transitions, got %v", rec.snapshot())
	}
}

func TestReconnectExhaustionEndsDisconnected(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft, 3)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	last := errors.New("refused 3")
	ft.mu.Lock()
	ft.results = []error{errors.New("refused 1"), errors.New("refused 2"), last}
	ft.mu.Unlock()

	s.dropped(errors.New("link down"))
	waitFor(t, func() bool { return s.State() == model.StateDisconnected })

	if s.machine.Attempts() != 3 {
		t.Errorf("Expected 3 attempts, got %d", s.machine.Attempts())
	}
	if !errors.Is(s.machine.LastError(), last) {
		t.Errorf("Expected last error %v, got %v", last, s.machine.LastError())
	}
	if dials, _ := ft.counts(); dials != 4 {
		t.Errorf("Expected no dial after exhaustion, got %d dials", dials)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft, 3)
	var rec stateRecorder
	s.OnStateChange(rec.handle)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Second Disconnect failed: %v", err)
	}

	if rec.count(model.StateDisconnected) != 1 {
		t.Errorf("Expected one disconnected notification, got %v", rec.snapshot())
	}
	if _, hangups := ft.counts(); hangups != 1 {
		t.Errorf("Expected one hangup, got %d", hangups)
	}
}

func TestDisconnectStopsReconnect(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft, 5)
	blocked := make(chan struct{})
	s.sleep = func(ctx context.Context, d time.Duration) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	s.dropped(errors.New("link down"))
	<-blocked

	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if s.State() != model.StateDisconnected {
		t.Errorf("Expected disconnected, got %s", s.State())
	}
	if dials, _ := ft.counts(); dials != 1 {
		t.Errorf("Expected no reconnect dial, got %d dials", dials)
	}
}
