package server

import (
	"pa2-control/pa2"
	"pa2-control/protocol"
)

// parsePath はパス文字列を解釈する。失敗したらエラー応答を送って ok=false を返す
func (ws *WebSocketServer) parsePath(connID string, msg *protocol.Message, raw string) (pa2.Path, bool, error) {
	path, err := pa2.ParsePath(raw)
	if err != nil {
		return nil, false, ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidParameters, "Invalid path %q: %v", raw, err)
	}
	return path, true, nil
}

// handleGetFromClient handles a get or asyncget message from a client
func (ws *WebSocketServer) handleGetFromClient(connID string, msg *protocol.Message) error {
	var payload protocol.PathPayload
	if err := protocol.ParsePayload(msg, &payload); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidRequestFormat, "Error parsing %s payload: %v", msg.Type, err)
	}
	path, ok, err := ws.parsePath(connID, msg, payload.Path)
	if !ok {
		return err
	}

	get := ws.handler.Get
	if msg.Type == protocol.MessageTypeAsyncGet {
		get = ws.handler.AsyncGet
	}
	value, err := get(ws.ctx, path)
	if err != nil {
		return ws.sendClientError(connID, msg.RequestID, err)
	}
	return ws.sendSuccessResponse(connID, msg.RequestID, protocol.GetResult{Path: path.String(), Value: value})
}

// handleLsFromClient handles an ls message from a client
func (ws *WebSocketServer) handleLsFromClient(connID string, msg *protocol.Message) error {
	var payload protocol.PathPayload
	if err := protocol.ParsePayload(msg, &payload); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidRequestFormat, "Error parsing ls payload: %v", err)
	}
	path, ok, err := ws.parsePath(connID, msg, payload.Path)
	if !ok {
		return err
	}

	entries, err := ws.handler.Ls(ws.ctx, path)
	if err != nil {
		return ws.sendClientError(connID, msg.RequestID, err)
	}
	return ws.sendSuccessResponse(connID, msg.RequestID, protocol.LsToProtocol(path, entries))
}

// handleSetFromClient handles a set message from a client. 機器からの応答は待たない
func (ws *WebSocketServer) handleSetFromClient(connID string, msg *protocol.Message) error {
	var payload protocol.SetPayload
	if err := protocol.ParsePayload(msg, &payload); err != nil {
		return ws.sendErrorResponse(connID, msg.RequestID, protocol.ErrorCodeInvalidRequestFormat, "Error parsing set payload: %v", err)
	}
	path, ok, err := ws.parsePath(connID, msg, payload.Path)
	if !ok {
		return err
	}

	if err := ws.handler.Set(path, payload.Value); err != nil {
		return ws.sendClientError(connID, msg.RequestID, err)
	}
	return ws.sendSuccessResponse(connID, msg.RequestID, nil)
}
