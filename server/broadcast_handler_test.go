package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"pa2-control/pa2"
	"pa2-control/pa2/handler"
	"pa2-control/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTransport は BroadcastMessage を記録するだけの WebSocketTransport
type recordingTransport struct {
	mu         sync.Mutex
	broadcasts [][]byte
}

func (r *recordingTransport) Start(StartOptions) error                        { return nil }
func (r *recordingTransport) Stop() error                                     { return nil }
func (r *recordingTransport) SetMessageHandler(func(string, []byte) error)    {}
func (r *recordingTransport) SetConnectHandler(func(string) error)            {}
func (r *recordingTransport) SetDisconnectHandler(func(string))               {}
func (r *recordingTransport) SendMessage(connID string, message []byte) error { return nil }

func (r *recordingTransport) BroadcastMessage(message []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, message)
	return nil
}

func TestBroadcastHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	transport := &recordingTransport{}
	logger := slog.New(NewBroadcastHandler(inner, transport, slog.LevelWarn))

	logger.Info("接続しました")
	assert.Empty(t, transport.broadcasts)
	assert.Contains(t, buf.String(), "接続しました")

	device := handler.Device{IP: net.IPv4(10, 0, 0, 2), Port: 19272}
	logger.Warn("受信に失敗しました",
		"device", device,
		"path", pa2.Path{"Preset", "Mute"},
		"err", errors.New("boom"),
		"timeout", time.Second,
		"n", 3,
		slog.Group("req", "verb", "get"))

	require.Len(t, transport.broadcasts, 1)
	msg, err := protocol.ParseMessage(transport.broadcasts[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeLogNotification, msg.Type)

	var payload protocol.LogNotificationPayload
	require.NoError(t, protocol.ParsePayload(msg, &payload))
	assert.Equal(t, "WARN", payload.Level)
	assert.Equal(t, "受信に失敗しました", payload.Message)
	assert.Equal(t, "10.0.0.2:19272", payload.Attributes["device"])
	assert.Equal(t, `\\Preset\Mute`, payload.Attributes["path"])
	assert.Equal(t, "boom", payload.Attributes["err"])
	assert.Equal(t, "1s", payload.Attributes["timeout"])
	assert.EqualValues(t, 3, payload.Attributes["n"])
	assert.Equal(t, map[string]interface{}{"verb": "get"}, payload.Attributes["req"])
}

func TestBroadcastHandler_EnabledFollowsInner(t *testing.T) {
	inner := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelInfo})
	h := NewBroadcastHandler(inner, &recordingTransport{}, slog.LevelWarn)
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("component", "ws")})
	_, ok := withAttrs.(*BroadcastHandler)
	assert.True(t, ok)
}
