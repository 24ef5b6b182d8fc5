package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"pa2-control/pa2"
	"pa2-control/pa2/handler"
	"pa2-control/protocol"
)

// PA2Controller は WebSocketServer が使う操作。*handler.PA2Handler が実装する
type PA2Controller interface {
	Devices() []handler.Device
	State() handler.ConnectionState
	ConnectedDevice() (handler.Device, bool)
	OnDevices(fn handler.DevicesCallback) handler.ListenerToken
	RemoveDevicesListener(token handler.ListenerToken)
	OnConnection(fn func(handler.ConnectionEvent)) handler.ListenerToken
	RemoveConnectionListener(token handler.ListenerToken)

	ConnectWith(ctx context.Context, device handler.Device, cred handler.Credentials) error
	Disconnect()

	Get(ctx context.Context, path pa2.Path) (string, error)
	AsyncGet(ctx context.Context, path pa2.Path) (string, error)
	Ls(ctx context.Context, path pa2.Path) ([]pa2.LsEntry, error)
	Set(path pa2.Path, value string) error
	Subscribe(path pa2.Path, fn handler.ValueCallback) (func(), error)
	Poll(ctx context.Context, path pa2.Path, interval time.Duration, fn handler.ValueCallback) error
}

var _ PA2Controller = (*handler.PA2Handler)(nil)

// WebSocketServerOptions は connect 要求で省略された値の既定値
type WebSocketServerOptions struct {
	DevicePort  int
	Credentials handler.Credentials
}

// WebSocketServer は PA2 の操作を WebSocket で公開する
type WebSocketServer struct {
	ctx       context.Context
	cancel    context.CancelFunc
	transport WebSocketTransport
	handler   PA2Controller
	opts      WebSocketServerOptions

	subscriptions *subscriptionTracker
	devicesToken  handler.ListenerToken
	connToken     handler.ListenerToken
}

// NewWebSocketServer creates a new WebSocket server
func NewWebSocketServer(ctx context.Context, addr string, pa2Handler PA2Controller, opts WebSocketServerOptions) (*WebSocketServer, error) {
	return newWebSocketServer(ctx, NewDefaultWebSocketTransport(ctx, addr), pa2Handler, opts), nil
}

func newWebSocketServer(ctx context.Context, transport WebSocketTransport, pa2Handler PA2Controller, opts WebSocketServerOptions) *WebSocketServer {
	serverCtx, cancel := context.WithCancel(ctx)
	if opts.DevicePort == 0 {
		opts.DevicePort = handler.DefaultDevicePort
	}
	if opts.Credentials.Username == "" {
		opts.Credentials = handler.DefaultCredentials()
	}

	ws := &WebSocketServer{
		ctx:           serverCtx,
		cancel:        cancel,
		transport:     transport,
		handler:       pa2Handler,
		opts:          opts,
		subscriptions: newSubscriptionTracker(),
	}

	transport.SetConnectHandler(ws.handleClientConnect)
	transport.SetMessageHandler(ws.handleClientMessage)
	transport.SetDisconnectHandler(ws.handleClientDisconnect)

	ws.devicesToken = pa2Handler.OnDevices(ws.handleDevices)
	ws.connToken = pa2Handler.OnConnection(ws.handleConnectionEvent)
	return ws
}

// Transport は下位のトランスポート。BroadcastHandler に渡す
func (ws *WebSocketServer) Transport() WebSocketTransport {
	return ws.transport
}

// handleClientConnect is called when a new client connects
func (ws *WebSocketServer) handleClientConnect(connID string) error {
	slog.Debug("New WebSocket connection established", "connID", connID)
	return ws.sendInitialStateToClient(connID)
}

// handleClientMessage is called when a message is received from a client
func (ws *WebSocketServer) handleClientMessage(connID string, message []byte) error {
	msg, err := protocol.ParseMessage(message)
	if err != nil {
		slog.Debug("Error parsing message", "connID", connID, "err", err)
		errorPayload := protocol.ErrorNotificationPayload{
			Code:    protocol.ErrorCodeInvalidRequestFormat,
			Message: fmt.Sprintf("Error parsing message: %v", err),
		}
		return ws.sendMessageToClient(connID, protocol.MessageTypeErrorNotification, errorPayload, "")
	}

	switch msg.Type {
	case protocol.MessageTypeConnect:
		return ws.handleConnectFromClient(connID, msg)
	case protocol.MessageTypeDisconnect:
		return ws.handleDisconnectFromClient(connID, msg)
	case protocol.MessageTypeGet, protocol.MessageTypeAsyncGet:
		return ws.handleGetFromClient(connID, msg)
	case protocol.MessageTypeLs:
		return ws.handleLsFromClient(connID, msg)
	case protocol.MessageTypeSet:
		return ws.handleSetFromClient(connID, msg)
	case protocol.MessageTypeSubscribe:
		return ws.handleSubscribeFromClient(connID, msg)
	case protocol.MessageTypeUnsubscribe:
		return ws.handleUnsubscribeFromClient(connID, msg)
	case protocol.MessageTypePoll:
		return ws.handlePollFromClient(connID, msg)
	default:
		slog.Debug("Unknown message type", "connID", connID, "type", msg.Type)
		errorPayload := protocol.ErrorNotificationPayload{
			Code:    protocol.ErrorCodeUnknownMessageType,
			Message: fmt.Sprintf("Unknown message type: %s", msg.Type),
		}
		return ws.sendMessageToClient(connID, protocol.MessageTypeErrorNotification, errorPayload, msg.RequestID)
	}
}

// handleClientDisconnect is called when a client disconnects
func (ws *WebSocketServer) handleClientDisconnect(connID string) {
	released := ws.subscriptions.releaseConn(connID)
	slog.Debug("WebSocket connection closed", "connID", connID, "released", released)
}

// Start starts the WebSocket server
func (ws *WebSocketServer) Start(options StartOptions) error {
	return ws.transport.Start(options)
}

// Stop stops the WebSocket server
func (ws *WebSocketServer) Stop() error {
	ws.handler.RemoveDevicesListener(ws.devicesToken)
	ws.handler.RemoveConnectionListener(ws.connToken)
	ws.cancel()
	err := ws.transport.Stop()
	ws.subscriptions.releaseAll()
	return err
}

// sendInitialStateToClient は機器一覧と接続状態を送る
func (ws *WebSocketServer) sendInitialStateToClient(connID string) error {
	devices := protocol.DevicesToProtocol(ws.handler.Devices())
	if err := ws.sendMessageToClient(connID, protocol.MessageTypeDevices, devices, ""); err != nil {
		return err
	}

	ev := handler.ConnectionEvent{State: ws.handler.State()}
	if device, ok := ws.handler.ConnectedDevice(); ok {
		ev.Device = device
	}
	return ws.sendMessageToClient(connID, protocol.MessageTypeConnection, protocol.ConnectionToProtocol(ev), "")
}

func (ws *WebSocketServer) handleDevices(devices []handler.Device) {
	_ = ws.broadcastMessageToClients(protocol.MessageTypeDevices, protocol.DevicesToProtocol(devices))
}

func (ws *WebSocketServer) handleConnectionEvent(ev handler.ConnectionEvent) {
	if ev.State == handler.StateDisconnected {
		// 接続と一緒にデバイス側の購読は消えている
		if n := ws.subscriptions.releaseAll(); n > 0 {
			slog.Debug("接続が切れたので購読を破棄しました", "count", n)
		}
	}
	_ = ws.broadcastMessageToClients(protocol.MessageTypeConnection, protocol.ConnectionToProtocol(ev))
}

// sendMessageToClient sends a message to a client
func (ws *WebSocketServer) sendMessageToClient(connID string, msgType protocol.MessageType, payload interface{}, requestID string) error {
	data, err := protocol.CreateMessage(msgType, payload, requestID)
	if err != nil {
		return fmt.Errorf("error creating message: %w", err)
	}
	return ws.transport.SendMessage(connID, data)
}

// broadcastMessageToClients sends a message to all connected clients
func (ws *WebSocketServer) broadcastMessageToClients(msgType protocol.MessageType, payload interface{}) error {
	data, err := protocol.CreateMessage(msgType, payload, "")
	if err != nil {
		slog.Debug("Error creating broadcast message", "err", err)
		return err
	}
	return ws.transport.BroadcastMessage(data)
}

// sendSuccessResponse は成功の command_result を送る。data は nil でもよい
func (ws *WebSocketServer) sendSuccessResponse(connID, requestID string, data interface{}) error {
	result := protocol.CommandResultPayload{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("error marshaling result: %w", err)
		}
		result.Data = raw
	}
	return ws.sendMessageToClient(connID, protocol.MessageTypeCommandResult, result, requestID)
}

// sendErrorResponse は失敗の command_result を送る
func (ws *WebSocketServer) sendErrorResponse(connID, requestID string, code protocol.ErrorCode, format string, args ...interface{}) error {
	result := protocol.CommandResultPayload{
		Success: false,
		Error: &protocol.Error{
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		},
	}
	return ws.sendMessageToClient(connID, protocol.MessageTypeCommandResult, result, requestID)
}

// sendClientError は操作のエラーを種類に応じたコードで返す
func (ws *WebSocketServer) sendClientError(connID, requestID string, err error) error {
	result := protocol.CommandResultPayload{Success: false, Error: protocol.ErrorFromError(err)}
	return ws.sendMessageToClient(connID, protocol.MessageTypeCommandResult, result, requestID)
}
