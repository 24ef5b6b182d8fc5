package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListenerRegistry_OrderAndRemove(t *testing.T) {
	r := NewListenerRegistry[string, func() string]()

	a := r.Add("k", func() string { return "a" })
	r.Add("k", func() string { return "b" })
	r.Add("other", func() string { return "x" })

	var got []string
	r.Each("k", func(fn func() string) { got = append(got, fn()) })
	assert.Equal(t, []string{"a", "b"}, got)

	removed, key, remaining := r.Remove(a)
	assert.True(t, removed)
	assert.Equal(t, "k", key)
	assert.Equal(t, 1, remaining)

	removed, _, _ = r.Remove(a)
	assert.False(t, removed)

	got = nil
	r.Each("k", func(fn func() string) { got = append(got, fn()) })
	assert.Equal(t, []string{"b"}, got)
	assert.ElementsMatch(t, []string{"k", "other"}, r.Keys())
}

func TestListenerRegistry_SameFunctionTwice(t *testing.T) {
	r := NewListenerRegistry[int, func()]()
	count := 0
	fn := func() { count++ }
	t1 := r.Add(1, fn)
	r.Add(1, fn)

	r.Each(1, func(f func()) { f() })
	assert.Equal(t, 2, count)

	r.Remove(t1)
	r.Each(1, func(f func()) { f() })
	assert.Equal(t, 3, count)
}

func TestListenerRegistry_RemoveDuringDispatch(t *testing.T) {
	r := NewListenerRegistry[string, func()]()

	var calls []string
	var second ListenerToken
	var first ListenerToken
	first = r.Add("k", func() {
		calls = append(calls, "first")
		// 自分自身と後続のリスナーを外す
		r.Remove(first)
		r.Remove(second)
		// 通知中に追加したものは次の通知から
		r.Add("k", func() { calls = append(calls, "late") })
	})
	second = r.Add("k", func() { calls = append(calls, "second") })

	r.Each("k", func(fn func()) { fn() })
	assert.Equal(t, []string{"first"}, calls)

	calls = nil
	r.Each("k", func(fn func()) { fn() })
	assert.Equal(t, []string{"late"}, calls)
}

func TestListenerRegistry_Clear(t *testing.T) {
	r := NewListenerRegistry[string, func()]()
	token := r.Add("k", func() {})
	r.Clear()
	assert.Equal(t, 0, r.Len("k"))
	removed, _, _ := r.Remove(token)
	assert.False(t, removed)
}
