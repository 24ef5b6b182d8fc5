package handler

import (
	"errors"
	"strings"
	"testing"
	"time"

	"pa2-control/pa2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setLines(w *lineRecorder) []string {
	var sets []string
	for _, line := range w.Lines() {
		if strings.HasPrefix(line, "set ") {
			sets = append(sets, line)
		}
	}
	return sets
}

func newSyncedValue(t *testing.T) (*SyncedValue, *lineRecorder, *MockClock, *Client) {
	t.Helper()
	clock := NewMockClock()
	w := &lineRecorder{}
	c := NewClient(w, ClientOptions{Clock: clock})
	sv, err := c.SyncedValue(pa2.Path{"Preset", "Gain"}, nil)
	require.NoError(t, err)
	return sv, w, clock, c
}

func TestSyncedValue_CoalescesWritesWithinWindow(t *testing.T) {
	sv, w, clock, _ := newSyncedValue(t)

	require.NoError(t, sv.Set("a"))
	assert.Equal(t, []string{`set "\\Preset\Gain" "a"`}, setLines(w))

	clock.Advance(2 * time.Millisecond)
	require.NoError(t, sv.Set("b"))
	clock.Advance(3 * time.Millisecond)
	require.NoError(t, sv.Set("c"))
	clock.Advance(3 * time.Millisecond)
	require.NoError(t, sv.Set("d"))
	assert.True(t, sv.Pending())

	clock.Advance(41 * time.Millisecond) // 最初の送信から 49ms
	assert.Len(t, setLines(w), 1)

	clock.Advance(1 * time.Millisecond) // 50ms
	assert.Equal(t, []string{
		`set "\\Preset\Gain" "a"`,
		`set "\\Preset\Gain" "d"`,
	}, setLines(w))
	assert.False(t, sv.Pending())

	// タイマーは1つしか残っていない
	clock.Advance(time.Second)
	assert.Len(t, setLines(w), 2)
}

func TestSyncedValue_ImmediateAfterWindow(t *testing.T) {
	sv, w, clock, _ := newSyncedValue(t)

	require.NoError(t, sv.Set("1"))
	clock.Advance(60 * time.Millisecond)
	require.NoError(t, sv.Set("2"))
	assert.Len(t, setLines(w), 2)
	assert.False(t, sv.Pending())
}

func TestSyncedValue_SkipsWhenValueAlreadyEmitted(t *testing.T) {
	sv, w, clock, _ := newSyncedValue(t)

	require.NoError(t, sv.Set("x"))
	clock.Advance(10 * time.Millisecond)
	require.NoError(t, sv.Set("y"))
	clock.Advance(10 * time.Millisecond)
	require.NoError(t, sv.Set("x"))

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, []string{`set "\\Preset\Gain" "x"`}, setLines(w))
}

func TestSyncedValue_ValueFollowsDevice(t *testing.T) {
	clock := NewMockClock()
	w := &lineRecorder{}
	c := NewClient(w, ClientOptions{Clock: clock})

	var changes []string
	sv, err := c.SyncedValue(pa2.Path{"Preset", "Mute"}, func(v string) { changes = append(changes, v) })
	require.NoError(t, err)
	assert.Equal(t, "", sv.Value())
	assert.Equal(t, []string{`sub "\\Preset\Mute"`}, w.Lines())

	feed(t, c, "subr \"\\\\Preset\\Mute\" \"On\"\nsetr \"\\\\Preset\\Mute\" \"Off\"\n")
	assert.Equal(t, "Off", sv.Value())
	assert.Equal(t, []string{"On", "Off"}, changes)

	sv.Close()
	assert.Equal(t, `unsub "\\Preset\Mute"`, w.Lines()[1])
	feed(t, c, "subr \"\\\\Preset\\Mute\" \"On\"\n")
	assert.Equal(t, "Off", sv.Value())
}

func TestSyncedValue_CloseDropsPendingWrite(t *testing.T) {
	sv, w, clock, _ := newSyncedValue(t)

	require.NoError(t, sv.Set("1"))
	clock.Advance(10 * time.Millisecond)
	require.NoError(t, sv.Set("2"))
	sv.Close()

	clock.Advance(time.Second)
	assert.Len(t, setLines(w), 1)
}

func TestSyncedValue_RejectsInvalidValue(t *testing.T) {
	sv, w, _, _ := newSyncedValue(t)
	assert.ErrorIs(t, sv.Set(`"quoted"`), pa2.ErrInvalidValue)
	assert.Empty(t, setLines(w))
}

func setWriteError(w *lineRecorder, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

func TestSyncedValue_FailedWriteIsNotTreatedAsEmitted(t *testing.T) {
	sv, w, clock, _ := newSyncedValue(t)
	boom := errors.New("boom")

	setWriteError(w, boom)
	assert.ErrorIs(t, sv.Set("x"), boom)
	setWriteError(w, nil)

	// 失敗した "x" は送信済みではないので、窓内で戻しても最後には送られる
	require.NoError(t, sv.Set("y"))
	clock.Advance(10 * time.Millisecond)
	require.NoError(t, sv.Set("x"))
	clock.Advance(50 * time.Millisecond)

	sets := setLines(w)
	require.NotEmpty(t, sets)
	assert.Equal(t, `set "\\Preset\Gain" "x"`, sets[len(sets)-1])
}

func TestSyncedValue_FailedDeferredWriteIsRetried(t *testing.T) {
	sv, w, clock, _ := newSyncedValue(t)
	boom := errors.New("boom")

	require.NoError(t, sv.Set("a"))
	clock.Advance(10 * time.Millisecond)
	require.NoError(t, sv.Set("b"))

	setWriteError(w, boom)
	clock.Advance(40 * time.Millisecond) // 遅延した "b" の送信が失敗する
	setWriteError(w, nil)
	assert.False(t, sv.Pending())

	require.NoError(t, sv.Set("b"))
	assert.Equal(t, []string{
		`set "\\Preset\Gain" "a"`,
		`set "\\Preset\Gain" "b"`,
	}, setLines(w))
}
