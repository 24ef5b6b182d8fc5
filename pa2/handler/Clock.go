package handler

import (
	"sort"
	"sync"
	"time"
)

// Clock は時間に関する操作を抽象化する。テストでは MockClock に差し替える
type Clock interface {
	Now() time.Time
	// After returns a channel that will send the current time after the duration has elapsed
	After(d time.Duration) <-chan time.Time
	// AfterFunc は d 経過後に f を別 goroutine で呼ぶ
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer は AfterFunc で登録したタイマー
type Timer interface {
	// Stop はタイマーを止める。まだ発火していなければ true
	Stop() bool
}

// RealClock implements Clock using real time
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// MockClock implements Clock for testing.
// Advance されるまで時間は進まず、期限の来たタイマーは Advance を呼んだ goroutine で実行される
type MockClock struct {
	mu      sync.Mutex
	timers  []*mockTimer
	nowTime time.Time
	seq     int
}

type mockTimer struct {
	clock    *MockClock
	deadline time.Time
	seq      int
	ch       chan time.Time
	fn       func()
	fired    bool
	stopped  bool
}

// NewMockClock creates a new MockClock
func NewMockClock() *MockClock {
	return &MockClock{
		nowTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nowTime
}

func (m *MockClock) add(d time.Duration, ch chan time.Time, fn func()) *mockTimer {
	m.mu.Lock()
	m.seq++
	timer := &mockTimer{
		clock:    m,
		deadline: m.nowTime.Add(d),
		seq:      m.seq,
		ch:       ch,
		fn:       fn,
	}
	m.timers = append(m.timers, timer)
	m.mu.Unlock()

	// d <= 0 ならすぐに発火させる
	if d <= 0 {
		m.Advance(0)
	}
	return timer
}

func (m *MockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.add(d, ch, nil)
	return ch
}

func (m *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	return m.add(d, nil, f)
}

// Advance advances the mock time by the given duration
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.nowTime.Add(d)
	m.mu.Unlock()

	// コールバックが新しいタイマーを登録することがあるので、1つずつ取り出して実行する
	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.nowTime = target
			m.mu.Unlock()
			return
		}
		next.fired = true
		if next.deadline.After(m.nowTime) {
			m.nowTime = next.deadline
		}
		now := m.nowTime
		m.mu.Unlock()

		if next.ch != nil {
			next.ch <- now
		}
		if next.fn != nil {
			next.fn()
		}
	}
}

// nextDue は target までに期限が来る最も早いタイマーを返し、一覧から外す
func (m *MockClock) nextDue(target time.Time) *mockTimer {
	var due []*mockTimer
	for _, t := range m.timers {
		if !t.fired && !t.stopped && !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		m.compact()
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

func (m *MockClock) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	m.timers = live
}

// PendingTimers は未発火のタイマー数
func (m *MockClock) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
