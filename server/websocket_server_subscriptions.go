package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pa2-control/pa2"
	"pa2-control/pa2/handler"
	"pa2-control/protocol"
)

// minPollInterval より短い poll 要求は切り上げる
const minPollInterval = 50 * time.Millisecond

// subscriptionTracker は WebSocket 接続ごとの購読と poll を覚えておき、切断時にまとめて解放する
type subscriptionTracker struct {
	mu     sync.Mutex
	byConn map[string]map[string]func()
}

func newSubscriptionTracker() *subscriptionTracker {
	return &subscriptionTracker{byConn: make(map[string]map[string]func())}
}

func (t *subscriptionTracker) add(connID, subID string, release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs, ok := t.byConn[connID]
	if !ok {
		subs = make(map[string]func())
		t.byConn[connID] = subs
	}
	subs[subID] = release
}

// release は1件解放する。見つからなければ false
func (t *subscriptionTracker) release(connID, subID string) bool {
	t.mu.Lock()
	release, ok := t.byConn[connID][subID]
	if ok {
		delete(t.byConn[connID], subID)
	}
	t.mu.Unlock()

	if ok {
		release()
	}
	return ok
}

// releaseConn は接続の購読をすべて解放し、件数を返す
func (t *subscriptionTracker) releaseConn(connID string) int {
	t.mu.Lock()
	subs := t.byConn[connID]
	delete(t.byConn, connID)
	t.mu.Unlock()

	for _, release := range subs {
		release()
	}
	return len(subs)
}

// releaseAll は全接続の購読を解放する
func (t *subscriptionTracker) releaseAll() int {
	t.mu.Lock()
	all := t.byConn
	t.byConn = make(map[string]map[string]func())
	t.mu.Unlock()

	n := 0
	for _, subs := range all {
		for _, release := range subs {
			release()
			n++
		}
	}
	return n
}

func (t *subscriptionTracker) count(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byConn[connID])
}

// valueSender は購読 ID 付きの value メッセージを connID に送るコールバックを作る
func (ws *WebSocketServer) valueSender(connID, subID string, path pa2.Path) handler.ValueCallback {
	wirePath := path.String()
	return func(value string) {
		payload := protocol.ValuePayload{SubscriptionID: subID, Path: wirePath, Value: value}
		if err := ws.sendMessageToClient(connID, protocol.MessageTypeValue, payload, ""); err != nil {
			slog.Debug("value の送信に失敗しました", "connID", connID, "subscriptionId", subID, "err", err)
		}
	}
}

// handleSubscribeFromClient handles a subscribe message from a client
func (ws *WebSocketServer) handleSubscribeFromClient(connID string, msg *protocol.Message) error {
	var payload protocol.PathPayload
	if err := protocol.ParsePayload(msg, &payload); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidRequestFormat, "Error parsing subscribe payload: %v", err)
	}
	path, ok, err := ws.parsePath(connID, msg, payload.Path)
	if !ok {
		return err
	}

	subID := protocol.NewSubscriptionID()
	unsubscribe, err := ws.handler.Subscribe(path, ws.valueSender(connID, subID, path))
	if err != nil {
		return ws.sendClientError(connID, msg.RequestID, err)
	}
	ws.subscriptions.add(connID, subID, unsubscribe)
	return ws.sendSuccessResponse(connID, msg.RequestID, protocol.SubscribeResult{SubscriptionID: subID})
}

// handlePollFromClient handles a poll message from a client.
// 取得は unsubscribe されるか接続が切れるまで続く
func (ws *WebSocketServer) handlePollFromClient(connID string, msg *protocol.Message) error {
	var payload protocol.PollPayload
	if err := protocol.ParsePayload(msg, &payload); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidRequestFormat, "Error parsing poll payload: %v", err)
	}
	path, ok, err := ws.parsePath(connID, msg, payload.Path)
	if !ok {
		return err
	}
	if payload.IntervalMs <= 0 {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidParameters, "intervalMs must be positive: %d", payload.IntervalMs)
	}
	if ws.handler.State() != handler.StateConnected {
		return ws.sendClientError(connID, msg.RequestID, pa2.ErrNotConnected)
	}

	interval := time.Duration(payload.IntervalMs) * time.Millisecond
	if interval < minPollInterval {
		interval = minPollInterval
	}

	subID := protocol.NewSubscriptionID()
	ctx, cancel := context.WithCancel(ws.ctx)
	ws.subscriptions.add(connID, subID, cancel)

	go func() {
		err := ws.handler.Poll(ctx, path, interval, ws.valueSender(connID, subID, path))
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Debug("poll を終了しました", "connID", connID, "path", path, "err", err)
		}
		// 接続が切れて終わった場合も表から外す
		ws.subscriptions.release(connID, subID)
	}()

	return ws.sendSuccessResponse(connID, msg.RequestID, protocol.SubscribeResult{SubscriptionID: subID})
}

// handleUnsubscribeFromClient handles an unsubscribe message from a client
func (ws *WebSocketServer) handleUnsubscribeFromClient(connID string, msg *protocol.Message) error {
	var payload protocol.UnsubscribePayload
	if err := protocol.ParsePayload(msg, &payload); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidRequestFormat, "Error parsing unsubscribe payload: %v", err)
	}
	if !ws.subscriptions.release(connID, payload.SubscriptionID) {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeSubscriptionNotFound, "Subscription not found: %s", payload.SubscriptionID)
	}
	return ws.sendSuccessResponse(connID, msg.RequestID, nil)
}
