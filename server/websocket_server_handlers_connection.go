package server

import (
	"log/slog"
	"net"

	"pa2-control/pa2/handler"
	"pa2-control/protocol"
)

// handleConnectFromClient handles a connect message from a client
func (ws *WebSocketServer) handleConnectFromClient(connID string, msg *protocol.Message) error {
	var payload protocol.ConnectPayload
	if err := protocol.ParsePayload(msg, &payload); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidRequestFormat, "Error parsing connect payload: %v", err)
	}

	ip := net.ParseIP(payload.IP)
	if ip == nil || ip.To4() == nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidParameters, "Invalid IPv4 address: %q", payload.IP)
	}
	device := handler.Device{IP: ip.To4(), Port: payload.Port}
	if device.Port == 0 {
		device.Port = ws.opts.DevicePort
	}
	cred := ws.opts.Credentials
	if payload.Username != "" {
		cred.Username = payload.Username
	}
	if payload.Password != "" {
		cred.Password = payload.Password
	}

	slog.Info("WebSocket クライアントからの接続要求", "connID", connID, "device", device)
	if err := ws.handler.ConnectWith(ws.ctx, device, cred); err != nil {
		return ws.sendClientError(connID, msg.RequestID, err)
	}
	return ws.sendSuccessResponse(connID, msg.RequestID, protocol.DeviceToProtocol(device))
}

// handleDisconnectFromClient handles a disconnect message from a client
func (ws *WebSocketServer) handleDisconnectFromClient(connID string, msg *protocol.Message) error {
	ws.handler.Disconnect()
	return ws.sendSuccessResponse(connID, msg.RequestID, nil)
}
