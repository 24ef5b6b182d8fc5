package handler

import (
	"sync"
	"sync/atomic"
)

// ListenerToken は登録したリスナーを識別するハンドル。Remove に渡す
type ListenerToken struct {
	id uint64
}

type listenerEntry[V any] struct {
	id      uint64
	fn      V
	removed atomic.Bool
}

// ListenerRegistry はキーごとのリスナー一覧を保持する。
// 同じ関数を2回登録してもそれぞれ独立したエントリになり、登録順に呼ばれる。
// 通知中に Remove されたリスナーは、その通知の残りでは呼ばれない
type ListenerRegistry[K comparable, V any] struct {
	mu        sync.Mutex
	listeners map[K][]*listenerEntry[V]
	index     map[uint64]K
	nextID    uint64
}

func NewListenerRegistry[K comparable, V any]() *ListenerRegistry[K, V] {
	return &ListenerRegistry[K, V]{
		listeners: make(map[K][]*listenerEntry[V]),
		index:     make(map[uint64]K),
	}
}

// Add はリスナーを登録する
func (r *ListenerRegistry[K, V]) Add(key K, fn V) ListenerToken {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	entry := &listenerEntry[V]{id: r.nextID, fn: fn}

	// 通知中のスナップショットを壊さないようにコピーしてから追加する
	current := r.listeners[key]
	next := make([]*listenerEntry[V], len(current), len(current)+1)
	copy(next, current)
	r.listeners[key] = append(next, entry)
	r.index[entry.id] = key

	return ListenerToken{id: entry.id}
}

// Remove はリスナーを外す。外したら true、既に外れていれば false。
// 戻り値の remaining はそのキーに残っているリスナー数
func (r *ListenerRegistry[K, V]) Remove(token ListenerToken) (removed bool, key K, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.index[token.id]
	if !ok {
		return false, key, 0
	}
	delete(r.index, token.id)

	current := r.listeners[key]
	next := make([]*listenerEntry[V], 0, len(current))
	for _, e := range current {
		if e.id == token.id {
			e.removed.Store(true)
			continue
		}
		next = append(next, e)
	}
	if len(next) == 0 {
		delete(r.listeners, key)
	} else {
		r.listeners[key] = next
	}
	return true, key, len(next)
}

// Each は key のリスナーを登録順に呼ぶ。ロックを持たずに呼ぶので、リスナー内で Add/Remove してよい
func (r *ListenerRegistry[K, V]) Each(key K, call func(V)) {
	r.mu.Lock()
	snapshot := r.listeners[key]
	r.mu.Unlock()

	for _, e := range snapshot {
		if e.removed.Load() {
			continue
		}
		call(e.fn)
	}
}

// Len は key に登録されているリスナー数
func (r *ListenerRegistry[K, V]) Len(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[key])
}

// Keys はリスナーが1つ以上あるキーの一覧
func (r *ListenerRegistry[K, V]) Keys() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]K, 0, len(r.listeners))
	for k := range r.listeners {
		keys = append(keys, k)
	}
	return keys
}

// Clear は全てのリスナーを外す
func (r *ListenerRegistry[K, V]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entries := range r.listeners {
		for _, e := range entries {
			e.removed.Store(true)
		}
	}
	r.listeners = make(map[K][]*listenerEntry[V])
	r.index = make(map[uint64]K)
}
