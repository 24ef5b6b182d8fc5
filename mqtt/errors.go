package mqtt

import "errors"

var (
	// ErrConnectionFailed はブローカーへの接続に失敗したことを示す
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrNotConnected はブローカーに接続していない状態での操作
	ErrNotConnected = errors.New("mqtt: not connected")

	ErrPublishFailed   = errors.New("mqtt: publish failed")
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")
	ErrInvalidTopic    = errors.New("mqtt: invalid topic")
	ErrInvalidQoS      = errors.New("mqtt: invalid qos")

	// ErrPathNotBridged は設定に無いパスへの set トピック
	ErrPathNotBridged = errors.New("mqtt: path is not bridged")
)
