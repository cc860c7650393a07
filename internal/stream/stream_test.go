package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xilian/equipment-stream/internal/auth"
	"github.com/xilian/equipment-stream/internal/dashboard"
	"github.com/xilian/equipment-stream/internal/model"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

var operator = &auth.Principal{Subject: "operator-1"}

// fakeTicker 手动触发的定时器
type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }

func (f *fakeTicker) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeTicker) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fire 投递一次触发，接收方必须在运行
func (f *fakeTicker) fire(t *testing.T, now time.Time) {
	t.Helper()
	select {
	case f.ch <- now:
	case <-time.After(time.Second):
		t.Fatal("ticker not being read")
	}
}

type tickerFactory struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (tf *tickerFactory) new(time.Duration) Ticker {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time)}
	tf.tickers = append(tf.tickers, t)
	return t
}

func (tf *tickerFactory) count() int {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return len(tf.tickers)
}

// pair 第 i 个订阅者的数据、心跳定时器
func (tf *tickerFactory) pair(i int) (data, heartbeat *fakeTicker) {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return tf.tickers[2*i], tf.tickers[2*i+1]
}

type fakeSource struct {
	snapshot model.FullSync
	status   model.ConnectionStatus
}

func (s fakeSource) Snapshot() model.FullSync                 { return s.snapshot }
func (s fakeSource) ConnectionStatus() model.ConnectionStatus { return s.status }

// countingGenerator 记录 Tick 调用次数
type countingGenerator struct {
	calls atomic.Int64
}

func (g *countingGenerator) Tick(now time.Time) []model.StreamEvent {
	g.calls.Add(1)
	return []model.StreamEvent{model.NewSensorUpdateEvent("EQ-1", nil, now)}
}

func newTestBroadcaster(opts Options, gen Generator) (*Broadcaster, *tickerFactory) {
	src := fakeSource{
		snapshot: model.FullSync{Equipment: []model.Equipment{{ID: "EQ-1", Status: model.EquipmentOperational}}},
		status:   model.ConnectionStatus{Connected: true},
	}
	var factory GeneratorFactory
	if gen != nil {
		factory = func(model.FullSync) Generator { return gen }
	}
	b := NewBroadcaster(opts, src, factory, nil, nil)
	tf := &tickerFactory{}
	b.newTicker = tf.new
	b.now = func() time.Time { return t0 }
	return b, tf
}

func next(t *testing.T, sub *Subscription) model.StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return model.StreamEvent{}
}

func waitExited(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.exited:
	case <-time.After(time.Second):
		t.Fatal("subscriber goroutine did not exit")
	}
}

func TestSubscribeOrdering(t *testing.T) {
	gen := &countingGenerator{}
	b, tf := newTestBroadcaster(Options{Buffer: 8}, gen)

	sub, err := b.Subscribe(context.Background(), operator)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	first := next(t, sub)
	if first.Type != model.EventFullSync {
		t.Fatalf("Expected full-sync first, got %s", first.Type)
	}
	if snapshot := first.Data.(model.FullSync); len(snapshot.Equipment) != 1 {
		t.Errorf("Expected snapshot payload, got %+v", snapshot)
	}
	second := next(t, sub)
	if second.Type != model.EventConnectionStatus {
		t.Fatalf("Expected connection-status second, got %s", second.Type)
	}
	if !second.Data.(model.ConnectionStatus).Connected {
		t.Error("Expected source connection status")
	}

	data, heartbeat := tf.pair(0)
	data.fire(t, t0.Add(3*time.Second))
	if ev := next(t, sub); ev.Type != model.EventSensorUpdate {
		t.Errorf("Expected sensor-update on data tick, got %s", ev.Type)
	}

	heartbeat.fire(t, t0.Add(15*time.Second))
	ev := next(t, sub)
	if ev.Type != model.EventHeartbeat || ev.Data != nil {
		t.Errorf("Expected empty heartbeat, got %+v", ev)
	}
	if !ev.Timestamp.Equal(t0.Add(15 * time.Second)) {
		t.Errorf("Expected heartbeat stamped with tick time, got %v", ev.Timestamp)
	}
}

func TestPublishAfterSnapshot(t *testing.T) {
	b, _ := newTestBroadcaster(Options{Buffer: 8}, nil)
	sub, _ := b.Subscribe(context.Background(), operator)
	defer sub.Close()

	if n := b.Publish(model.NewAlertEvent(model.Alert{ID: "A-1"}, t0)); n != 1 {
		t.Fatalf("Expected 1 delivery, got %d", n)
	}
	want := []model.EventType{model.EventFullSync, model.EventConnectionStatus, model.EventAlert}
	for _, w := range want {
		if ev := next(t, sub); ev.Type != w {
			t.Errorf("Expected %s, got %s", w, ev.Type)
		}
	}
}

func TestCommitExcludesConcurrentSnapshot(t *testing.T) {
	store := dashboard.NewStore(10)
	b, _ := newTestBroadcaster(Options{Buffer: 8}, nil)
	b.source = NewSource(store, nil)

	subscribed := make(chan *Subscription, 1)
	event := model.NewAlertEvent(model.Alert{ID: "A-1", EquipmentID: "EQ-1"}, t0)
	n, err := b.Commit(func() (model.StreamEvent, error) {
		go func() {
			sub, _ := b.Subscribe(context.Background(), operator)
			subscribed <- sub
		}()
		// 订阅必须等本次修改完成
		time.Sleep(20 * time.Millisecond)
		select {
		case <-subscribed:
			t.Error("Expected Subscribe to wait for the commit")
		default:
		}
		return event, store.Apply(event)
	})
	if err != nil || n != 0 {
		t.Fatalf("Expected commit with no subscribers, got %d, %v", n, err)
	}

	sub := <-subscribed
	if sub == nil {
		t.Fatal("Subscribe failed")
	}
	defer sub.Close()

	first := next(t, sub)
	if alerts := first.Data.(model.FullSync).Alerts; len(alerts) != 1 || alerts[0].ID != "A-1" {
		t.Fatalf("Expected committed alert in snapshot, got %+v", alerts)
	}
	if ev := next(t, sub); ev.Type != model.EventConnectionStatus {
		t.Errorf("Expected connection-status, got %s", ev.Type)
	}
	select {
	case ev := <-sub.Events():
		t.Errorf("Expected no duplicate broadcast, got %s", ev.Type)
	default:
	}
}

func TestCommitErrorSkipsBroadcast(t *testing.T) {
	b, _ := newTestBroadcaster(Options{Buffer: 8}, nil)
	sub, _ := b.Subscribe(context.Background(), operator)
	defer sub.Close()
	next(t, sub)
	next(t, sub)

	boom := errors.New("boom")
	n, err := b.Commit(func() (model.StreamEvent, error) {
		return model.NewHeartbeatEvent(t0), boom
	})
	if !errors.Is(err, boom) || n != 0 {
		t.Fatalf("Expected error without delivery, got %d, %v", n, err)
	}
	select {
	case ev := <-sub.Events():
		t.Errorf("Expected nothing published, got %s", ev.Type)
	default:
	}
}

func TestUnauthorizedCreatesNoTimers(t *testing.T) {
	b, tf := newTestBroadcaster(Options{}, &countingGenerator{})

	sub, err := b.Subscribe(context.Background(), nil)
	if !errors.Is(err, ErrUnauthorized) || sub != nil {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
	if err.Error() != "Unauthorized" {
		t.Errorf("Expected message Unauthorized, got %q", err.Error())
	}
	if tf.count() != 0 {
		t.Errorf("Expected no tickers, got %d", tf.count())
	}
	if b.Count() != 0 {
		t.Errorf("Expected no subscribers, got %d", b.Count())
	}
}

func TestCloseFreezesCallCount(t *testing.T) {
	gen := &countingGenerator{}
	b, tf := newTestBroadcaster(Options{Buffer: 16}, gen)
	sub, _ := b.Subscribe(context.Background(), operator)

	data, heartbeat := tf.pair(0)
	data.fire(t, t0)
	data.fire(t, t0)
	heartbeat.fire(t, t0)

	sub.Close()
	waitExited(t, sub)
	calls := gen.calls.Load()
	enqueued := sub.Enqueued()

	for _, ticker := range []*fakeTicker{data, heartbeat} {
		if !ticker.isStopped() {
			t.Error("Expected ticker stopped")
		}
		select {
		case ticker.ch <- t0:
			t.Error("Expected nobody reading the ticker after close")
		default:
		}
	}

	if b.Publish(model.NewHeartbeatEvent(t0)) != 0 {
		t.Error("Expected no delivery after close")
	}
	if sub.enqueue(model.NewHeartbeatEvent(t0)) {
		t.Error("Expected enqueue after close to be ignored")
	}
	if gen.calls.Load() != calls || sub.Enqueued() != enqueued {
		t.Errorf("Expected counts frozen at %d/%d, got %d/%d", calls, enqueued, gen.calls.Load(), sub.Enqueued())
	}
	if calls != 2 {
		t.Errorf("Expected 2 generator calls, got %d", calls)
	}

	drained := 0
	for range sub.Events() {
		drained++
	}
	if drained != int(enqueued) {
		t.Errorf("Expected %d buffered events, drained %d", enqueued, drained)
	}
}

func TestDoubleCloseIsSafe(t *testing.T) {
	b, _ := newTestBroadcaster(Options{}, nil)
	sub, _ := b.Subscribe(context.Background(), operator)

	sub.Close()
	sub.Close()
	waitExited(t, sub)

	if b.Count() != 0 {
		t.Errorf("Expected subscriber removed, got %d", b.Count())
	}
	select {
	case <-sub.Done():
	default:
		t.Error("Expected Done closed")
	}
}

func TestContextCancelEndsSubscription(t *testing.T) {
	b, tf := newTestBroadcaster(Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub, _ := b.Subscribe(ctx, operator)

	cancel()
	waitExited(t, sub)

	data, heartbeat := tf.pair(0)
	if !data.isStopped() || !heartbeat.isStopped() {
		t.Error("Expected both tickers stopped")
	}
	if b.Count() != 0 {
		t.Errorf("Expected subscriber removed, got %d", b.Count())
	}
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b, _ := newTestBroadcaster(Options{Buffer: 2}, nil)
	sub, _ := b.Subscribe(context.Background(), operator)
	defer sub.Close()

	if n := b.Publish(model.NewHeartbeatEvent(t0)); n != 0 {
		t.Errorf("Expected drop with full buffer, got %d deliveries", n)
	}
	if sub.Enqueued() != 2 {
		t.Errorf("Expected 2 enqueued, got %d", sub.Enqueued())
	}

	next(t, sub)
	if n := b.Publish(model.NewHeartbeatEvent(t0)); n != 1 {
		t.Errorf("Expected delivery once space frees, got %d", n)
	}
}

func TestSubscriberLimitAndClose(t *testing.T) {
	b, _ := newTestBroadcaster(Options{MaxSubscribers: 1}, nil)
	first, err := b.Subscribe(context.Background(), operator)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := b.Subscribe(context.Background(), operator); !errors.Is(err, ErrTooManySubscribers) {
		t.Errorf("Expected ErrTooManySubscribers, got %v", err)
	}

	b.Close()
	waitExited(t, first)
	if _, err := b.Subscribe(context.Background(), operator); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
