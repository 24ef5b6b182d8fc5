package handler

import (
	"log/slog"
	"sync"
	"time"

	"pa2-control/pa2"
)

type debounceState int

const (
	debounceIdle debounceState = iota
	debouncePendingWrite
)

// SyncedValue は1つのパスの値をデバイスと同期する。
// 値は購読で更新され、Set による書き込みはパスごとに Debounce の間隔で間引かれる。
// 間引かれた書き込みは間隔が明けたときに最後に要求された値で1回だけ送られる
type SyncedValue struct {
	client *Client
	path   pa2.Path
	window time.Duration
	clock  Clock

	mu          sync.Mutex
	current     string
	state       debounceState
	lastEmit    time.Time
	lastEmitted string
	requested   string
	timer       Timer
	generation  uint64

	onChange    ValueCallback
	unsubscribe func()
}

// SyncedValue は path を購読して SyncedValue を作る。onChange は nil でもよい
func (c *Client) SyncedValue(path pa2.Path, onChange ValueCallback) (*SyncedValue, error) {
	s := &SyncedValue{
		client:   c,
		path:     path,
		window:   c.opts.Debounce,
		clock:    c.opts.Clock,
		onChange: onChange,
	}
	unsubscribe, err := c.Subscribe(path, s.receive)
	if err != nil {
		return nil, err
	}
	s.unsubscribe = unsubscribe
	return s, nil
}

// Path は同期しているパス
func (s *SyncedValue) Path() pa2.Path {
	return s.path
}

// Value はデバイスから最後に届いた値。まだ届いていなければ空文字
func (s *SyncedValue) Value() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *SyncedValue) receive(value string) {
	s.mu.Lock()
	s.current = value
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange(value)
	}
}

// Set は値の書き込みを要求する。
// 前回の送信から Debounce 以上経っていればすぐに送り、そうでなければ間隔が明けるまで遅らせる
func (s *SyncedValue) Set(value string) error {
	if err := pa2.ValidateValue(value); err != nil {
		return err
	}

	s.mu.Lock()
	s.requested = value
	now := s.clock.Now()

	if s.state == debounceIdle && (s.lastEmit.IsZero() || now.Sub(s.lastEmit) >= s.window) {
		prevEmit, prevEmitted := s.lastEmit, s.lastEmitted
		s.lastEmit = now
		s.lastEmitted = value
		s.mu.Unlock()
		if err := s.emit(value); err != nil {
			s.revertEmit(now, value, prevEmit, prevEmitted)
			return err
		}
		return nil
	}

	// 間隔内: タイマーを張り直す。期限は前回の送信から window 後
	if s.timer != nil {
		s.timer.Stop()
	}
	s.state = debouncePendingWrite
	s.generation++
	gen := s.generation
	s.timer = nil
	delay := s.lastEmit.Add(s.window).Sub(now)
	s.mu.Unlock()

	// AfterFunc は即座に発火しうるのでロックの外で登録する
	timer := s.clock.AfterFunc(delay, func() { s.fire(gen) })
	s.mu.Lock()
	if s.generation == gen && s.state == debouncePendingWrite {
		s.timer = timer
	}
	s.mu.Unlock()
	return nil
}

// fire は遅らせた書き込みを送る。要求値が送信済みの値と同じなら何もしない
func (s *SyncedValue) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state != debouncePendingWrite {
		s.mu.Unlock()
		return
	}
	s.state = debounceIdle
	s.timer = nil
	if s.requested == s.lastEmitted {
		s.mu.Unlock()
		return
	}
	value := s.requested
	now := s.clock.Now()
	prevEmit, prevEmitted := s.lastEmit, s.lastEmitted
	s.lastEmit = now
	s.lastEmitted = value
	s.mu.Unlock()

	if err := s.emit(value); err != nil {
		s.revertEmit(now, value, prevEmit, prevEmitted)
		slog.Warn("遅延した set の送信に失敗しました", "path", s.path, "err", err)
	}
}

// revertEmit は送信に失敗した書き込みを送信済みとして扱わないよう元に戻す。
// 送信中に別の書き込みが記録されていればそちらを残す
func (s *SyncedValue) revertEmit(at time.Time, value string, prevEmit time.Time, prevEmitted string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastEmit.Equal(at) && s.lastEmitted == value {
		s.lastEmit = prevEmit
		s.lastEmitted = prevEmitted
	}
}

func (s *SyncedValue) emit(value string) error {
	return s.client.Set(s.path, value)
}

// Pending は遅延中の書き込みがあるかどうか
func (s *SyncedValue) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == debouncePendingWrite
}

// Close は購読を外し、遅延中の書き込みを捨てる
func (s *SyncedValue) Close() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state = debounceIdle
	s.generation++
	s.mu.Unlock()

	s.unsubscribe()
}
