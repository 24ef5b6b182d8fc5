package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait は1メッセージの書き込みに許す時間
	writeWait = 10 * time.Second
	// pongWait は pong を待つ時間。これを過ぎたら接続を切る
	pongWait = 60 * time.Second
	// pingPeriod は ping の間隔。pongWait より短くする
	pingPeriod = (pongWait * 9) / 10
)

// WebSocketTransport はWebSocketサーバーのネットワーク層を抽象化するインターフェース
type WebSocketTransport interface {
	// Start はWebSocketサーバーを起動する
	Start(options StartOptions) error

	// Stop はWebSocketサーバーを停止する
	Stop() error

	// SetMessageHandler はクライアントからメッセージを受信した時に呼び出されるハンドラを設定する
	// connID はクライアント接続を識別するための一意なID
	SetMessageHandler(handler func(connID string, message []byte) error)

	// SetConnectHandler は新しいクライアントが接続した時に呼び出されるハンドラを設定する
	SetConnectHandler(handler func(connID string) error)

	// SetDisconnectHandler はクライアントが切断した時に呼び出されるハンドラを設定する
	SetDisconnectHandler(handler func(connID string))

	// SendMessage は特定のクライアントにメッセージを送信する
	SendMessage(connID string, message []byte) error

	// BroadcastMessage は接続中の全クライアントにメッセージを送信する
	BroadcastMessage(message []byte) error
}

// StartOptions は WebSocketServer の起動オプションを表す
type StartOptions struct {
	// Ready は待ち受けを開始したら close される (任意)
	Ready chan struct{}
}

// clientConnection wraps a WebSocket connection with a mutex for safe concurrent writes
type clientConnection struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

func (c *clientConnection) write(messageType int, data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// DefaultWebSocketTransport は WebSocketTransport インターフェースのデフォルト実装
type DefaultWebSocketTransport struct {
	ctx               context.Context
	cancel            context.CancelFunc
	server            *http.Server
	upgrader          websocket.Upgrader
	addrMu            sync.Mutex
	listenAddr        net.Addr
	clients           map[string]*clientConnection
	clientsMutex      sync.RWMutex
	messageHandler    func(connID string, message []byte) error
	connectHandler    func(connID string) error
	disconnectHandler func(connID string)
}

// NewDefaultWebSocketTransport は DefaultWebSocketTransport の新しいインスタンスを作成する
func NewDefaultWebSocketTransport(ctx context.Context, addr string) *DefaultWebSocketTransport {
	transportCtx, cancel := context.WithCancel(ctx)

	transport := &DefaultWebSocketTransport{
		ctx:    transportCtx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow all origins for development
				return true
			},
		},
		clients: make(map[string]*clientConnection),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", transport.handleWebSocket)

	transport.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return transport
}

// Start はWebSocketサーバーを起動する。Stop されるまで戻らない
func (t *DefaultWebSocketTransport) Start(options StartOptions) error {
	// 先にリスナーをバインド
	listener, err := net.Listen("tcp", t.server.Addr)
	if err != nil {
		return fmt.Errorf("WebSocketサーバーの待ち受けに失敗しました: %w", err)
	}
	t.addrMu.Lock()
	t.listenAddr = listener.Addr()
	t.addrMu.Unlock()

	// 待ち受け完了を通知
	if options.Ready != nil {
		close(options.Ready)
	}
	slog.Info("WebSocket server starting", "addr", listener.Addr())

	err = t.server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Addr は待ち受け中のアドレス。Start 前は nil
func (t *DefaultWebSocketTransport) Addr() net.Addr {
	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	return t.listenAddr
}

// Stop はWebSocketサーバーを停止する
func (t *DefaultWebSocketTransport) Stop() error {
	slog.Info("Stopping WebSocket server", "addr", t.server.Addr)
	t.cancel()
	err := t.server.Shutdown(context.Background())
	if err != nil {
		slog.Info("Error shutting down WebSocket server", "err", err)
	}

	// Shutdown はハイジャックされた接続を閉じないので自分で閉じる
	t.clientsMutex.RLock()
	for _, client := range t.clients {
		_ = client.conn.Close()
	}
	t.clientsMutex.RUnlock()
	return err
}

// SetMessageHandler はクライアントからメッセージを受信した時に呼び出されるハンドラを設定する
func (t *DefaultWebSocketTransport) SetMessageHandler(handler func(connID string, message []byte) error) {
	t.messageHandler = handler
}

// SetConnectHandler は新しいクライアントが接続した時に呼び出されるハンドラを設定する
func (t *DefaultWebSocketTransport) SetConnectHandler(handler func(connID string) error) {
	t.connectHandler = handler
}

// SetDisconnectHandler はクライアントが切断した時に呼び出されるハンドラを設定する
func (t *DefaultWebSocketTransport) SetDisconnectHandler(handler func(connID string)) {
	t.disconnectHandler = handler
}

// isConnectionClosedError checks if the error indicates a closed connection
func isConnectionClosedError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) ||
		strings.Contains(err.Error(), "close sent") ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// removeClient safely removes a client from the transport and calls the disconnect handler.
// Returns true if the client was actually removed, false if it was already removed.
func (t *DefaultWebSocketTransport) removeClient(connID string) bool {
	t.clientsMutex.Lock()
	client, exists := t.clients[connID]
	if exists {
		delete(t.clients, connID)
	}
	t.clientsMutex.Unlock()

	if !exists {
		return false
	}
	_ = client.conn.Close()

	if t.disconnectHandler != nil {
		t.disconnectHandler(connID)
	}
	return true
}

// SendMessage は特定のクライアントにメッセージを送信する
func (t *DefaultWebSocketTransport) SendMessage(connID string, message []byte) error {
	t.clientsMutex.RLock()
	client, exists := t.clients[connID]
	t.clientsMutex.RUnlock()

	if !exists {
		return fmt.Errorf("client with ID %s not found", connID)
	}

	if err := client.write(websocket.TextMessage, message); err != nil {
		if isConnectionClosedError(err) {
			t.removeClient(connID)
		}
		return fmt.Errorf("failed to send message to client %s: %w", connID, err)
	}
	return nil
}

// BroadcastMessage は接続中の全クライアントにメッセージを送信する
func (t *DefaultWebSocketTransport) BroadcastMessage(message []byte) error {
	t.clientsMutex.RLock()
	clients := make(map[string]*clientConnection, len(t.clients))
	for connID, client := range t.clients {
		clients[connID] = client
	}
	t.clientsMutex.RUnlock()

	var disconnectedClients []string
	for connID, client := range clients {
		if err := client.write(websocket.TextMessage, message); err != nil {
			if isConnectionClosedError(err) {
				disconnectedClients = append(disconnectedClients, connID)
			} else {
				// ログを Warn 以上にするとブロードキャストが再帰する
				slog.Debug("Error broadcasting message to client", "err", err, "connID", connID)
			}
		}
	}

	for _, connID := range disconnectedClients {
		t.removeClient(connID)
	}
	return nil
}

// ClientCount は接続中のクライアント数
func (t *DefaultWebSocketTransport) ClientCount() int {
	t.clientsMutex.RLock()
	defer t.clientsMutex.RUnlock()
	return len(t.clients)
}

// pingLoop は pingPeriod ごとに ping を送る。done が閉じられるか送信に失敗したら戻る
func (t *DefaultWebSocketTransport) pingLoop(connID string, client *clientConnection, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := client.write(websocket.PingMessage, nil); err != nil {
				slog.Debug("ping failed", "connID", connID, "err", err)
				return
			}
		}
	}
}

// handleWebSocket はWebSocket接続を処理する
func (t *DefaultWebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Error upgrading to WebSocket", "err", err,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.Header.Get("User-Agent"))
		return
	}

	connID := uuid.NewString()
	client := &clientConnection{conn: conn}
	t.clientsMutex.Lock()
	t.clients[connID] = client
	t.clientsMutex.Unlock()
	slog.Debug("WebSocket connection established", "connID", connID, "remote_addr", r.RemoteAddr)

	done := make(chan struct{})
	defer func() {
		close(done)
		t.removeClient(connID)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go t.pingLoop(connID, client, done)

	if t.connectHandler != nil {
		if err := t.connectHandler(connID); err != nil {
			slog.Error("Error in connect handler", "err", err)
			return
		}
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				slog.Warn("Unexpected WebSocket close error", "err", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if t.messageHandler != nil {
			if err := t.messageHandler(connID, message); err != nil {
				errStr := err.Error()
				if !isConnectionClosedError(err) &&
					!(strings.Contains(errStr, "client with ID") && strings.Contains(errStr, "not found")) {
					slog.Error("Error in message handler", "err", err)
				}
			}
		}
	}
}
