package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"pa2-control/pa2"
	"pa2-control/pa2/handler"

	"github.com/google/uuid"
)

// MessageType defines the type of message being sent between client and server
type MessageType string

const (
	// Server -> Client message types
	MessageTypeDevices           MessageType = "devices"
	MessageTypeConnection        MessageType = "connection"
	MessageTypeValue             MessageType = "value"
	MessageTypeCommandResult     MessageType = "command_result"
	MessageTypeErrorNotification MessageType = "error_notification"
	MessageTypeLogNotification   MessageType = "log_notification"

	// Client -> Server message types
	MessageTypeConnect     MessageType = "connect"
	MessageTypeDisconnect  MessageType = "disconnect"
	MessageTypeGet         MessageType = "get"
	MessageTypeAsyncGet    MessageType = "asyncget"
	MessageTypeLs          MessageType = "ls"
	MessageTypeSet         MessageType = "set"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePoll        MessageType = "poll"
)

// ErrorCode defines error codes for error messages
type ErrorCode string

// Client Request Related
const (
	ErrorCodeInvalidRequestFormat ErrorCode = "INVALID_REQUEST_FORMAT"
	ErrorCodeInvalidParameters    ErrorCode = "INVALID_PARAMETERS"
	ErrorCodeUnknownMessageType   ErrorCode = "UNKNOWN_MESSAGE_TYPE"
	ErrorCodeSubscriptionNotFound ErrorCode = "SUBSCRIPTION_NOT_FOUND"
)

// Device/Communication Related
const (
	ErrorCodeNotConnected        ErrorCode = "NOT_CONNECTED"
	ErrorCodeRequestTimeout      ErrorCode = "REQUEST_TIMEOUT"
	ErrorCodeDeviceError         ErrorCode = "DEVICE_ERROR"
	ErrorCodeAuthFailed          ErrorCode = "AUTH_FAILED"
	ErrorCodeCommunicationError  ErrorCode = "COMMUNICATION_ERROR"
	ErrorCodeInternalServerError ErrorCode = "INTERNAL_SERVER_ERROR"
)

// Message is the base structure for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// Error represents an error in the WebSocket protocol
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Device represents a discovered PA2 unit
type Device struct {
	IP       string    `json:"ip"`
	Port     int       `json:"port"`
	LastSeen time.Time `json:"lastSeen"`
}

// DevicesPayload is the payload for the devices message
type DevicesPayload struct {
	Devices []Device `json:"devices"`
}

// ConnectionPayload is the payload for the connection message
type ConnectionPayload struct {
	State  string  `json:"state"`
	Device *Device `json:"device,omitempty"`
}

// ValuePayload is the payload for the value message.
// SubscriptionID identifies the subscribe or poll request that produced the value.
type ValuePayload struct {
	SubscriptionID string `json:"subscriptionId"`
	Path           string `json:"path"`
	Value          string `json:"value"`
}

// ErrorNotificationPayload is the payload for the error_notification message
type ErrorNotificationPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// LogNotificationPayload is the payload for the log_notification message
type LogNotificationPayload struct {
	Level      string                 `json:"level"`
	Message    string                 `json:"message"`
	Time       string                 `json:"time"`
	Attributes map[string]interface{} `json:"attributes"`
}

// CommandResultPayload is the payload for the command_result message
type CommandResultPayload struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ConnectPayload is the payload for the connect message.
// Port, Username and Password fall back to the server defaults when omitted.
type ConnectPayload struct {
	IP       string `json:"ip"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// PathPayload is the payload for the get, asyncget, ls and subscribe messages.
// Path accepts `\\Node\AT\Class_Name` or `Node/AT/Class_Name`.
type PathPayload struct {
	Path string `json:"path"`
}

// SetPayload is the payload for the set message
type SetPayload struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// UnsubscribePayload is the payload for the unsubscribe message
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// PollPayload is the payload for the poll message
type PollPayload struct {
	Path       string `json:"path"`
	IntervalMs int    `json:"intervalMs"`
}

// GetResult is the data of a successful get or asyncget
type GetResult struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// LsEntry is one child node returned by ls
type LsEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// LsResult is the data of a successful ls
type LsResult struct {
	Path    string    `json:"path"`
	Entries []LsEntry `json:"entries"`
}

// SubscribeResult is the data of a successful subscribe or poll
type SubscribeResult struct {
	SubscriptionID string `json:"subscriptionId"`
}

// DeviceToProtocol converts a discovered device to a protocol Device
func DeviceToProtocol(device handler.Device) Device {
	return Device{
		IP:       device.IP.String(),
		Port:     device.Port,
		LastSeen: device.LastSeen,
	}
}

// DevicesToProtocol converts a device snapshot. The result is never nil.
func DevicesToProtocol(devices []handler.Device) DevicesPayload {
	result := make([]Device, 0, len(devices))
	for _, d := range devices {
		result = append(result, DeviceToProtocol(d))
	}
	return DevicesPayload{Devices: result}
}

// ConnectionToProtocol converts a connection event. Device is omitted while disconnected.
func ConnectionToProtocol(ev handler.ConnectionEvent) ConnectionPayload {
	payload := ConnectionPayload{State: ev.State.String()}
	if ev.State != handler.StateDisconnected && ev.Device.IP != nil {
		d := DeviceToProtocol(ev.Device)
		payload.Device = &d
	}
	return payload
}

// LsToProtocol converts the children returned by ls
func LsToProtocol(path pa2.Path, entries []pa2.LsEntry) LsResult {
	result := LsResult{Path: path.String(), Entries: make([]LsEntry, 0, len(entries))}
	for _, e := range entries {
		result.Entries = append(result.Entries, LsEntry{Key: e.Key, Value: e.Value})
	}
	return result
}

// ErrorFromError maps a client error to a protocol Error
func ErrorFromError(err error) *Error {
	var (
		timeoutErr   *pa2.RequestTimeoutError
		deviceErr    *pa2.DeviceError
		authErr      *pa2.AuthError
		transportErr *pa2.TransportError
	)
	code := ErrorCodeInternalServerError
	switch {
	case errors.Is(err, pa2.ErrInvalidPath), errors.Is(err, pa2.ErrInvalidValue):
		code = ErrorCodeInvalidParameters
	case errors.Is(err, pa2.ErrNotConnected), errors.Is(err, pa2.ErrClientClosed):
		code = ErrorCodeNotConnected
	case errors.As(err, &timeoutErr):
		code = ErrorCodeRequestTimeout
	case errors.As(err, &deviceErr):
		code = ErrorCodeDeviceError
	case errors.As(err, &authErr):
		code = ErrorCodeAuthFailed
	case errors.As(err, &transportErr):
		code = ErrorCodeCommunicationError
	}
	return &Error{Code: code, Message: err.Error()}
}

// NewSubscriptionID returns a fresh identifier for a subscribe or poll request
func NewSubscriptionID() string {
	return uuid.NewString()
}

// CreateMessage creates a new Message with the given type and payload
func CreateMessage(msgType MessageType, payload interface{}, requestID string) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	msg := Message{
		Type:      msgType,
		Payload:   payloadBytes,
		RequestID: requestID,
	}

	return json.Marshal(msg)
}

// ParseMessage parses a JSON message into a Message struct
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParsePayload parses the payload of a message into the given struct
func ParsePayload(msg *Message, payload interface{}) error {
	return json.Unmarshal(msg.Payload, payload)
}
