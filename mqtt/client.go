package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"pa2-control/config"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxReconnectInterval     = 30 * time.Second
	maxQoS                   = 2

	statusOnline  = "online"
	statusOffline = "offline"
)

// MessageHandler は受信したメッセージのコールバック。paho のゴルーチンから呼ばれる
type MessageHandler func(topic string, payload []byte) error

// Client は paho.mqtt.golang のラッパー。再接続時に購読を張り直し、
// status トピックに online/offline を retained で出す
type Client struct {
	client pahomqtt.Client
	topics Topics
	qos    byte

	subMu         sync.RWMutex
	subscriptions map[string]MessageHandler
}

// buildClientOptions は設定から paho のオプションを作る
func buildClientOptions(cfg config.MQTTConfig, topics Topics) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	// 異常切断時はブローカーが offline を出す
	opts.SetWill(topics.Status(), statusOffline, byte(cfg.QoS), true)
	return opts
}

// Connect はブローカーに接続する
func Connect(cfg config.MQTTConfig) (*Client, error) {
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQoS, cfg.QoS)
	}
	topics := Topics{Prefix: cfg.TopicPrefix}
	c := &Client{
		topics:        topics,
		qos:           byte(cfg.QoS),
		subscriptions: make(map[string]MessageHandler),
	}

	opts := buildClientOptions(cfg, topics)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		slog.Warn("MQTT ブローカーとの接続が切れました", "err", err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	slog.Info("MQTT ブローカーに接続しました", "broker", cfg.Broker)
	return c, nil
}

// handleConnect は接続 (再接続を含む) のたびに呼ばれる
func (c *Client) handleConnect() {
	c.subMu.RLock()
	for topic, handler := range c.subscriptions {
		c.client.Subscribe(topic, c.qos, c.wrapHandler(handler))
	}
	c.subMu.RUnlock()

	c.client.Publish(c.topics.Status(), c.qos, true, statusOnline)
}

func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Publish はメッセージを送り、ブローカーの受領を待つ
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe は topic を購読する。再接続時にも張り直す
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = handler
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, c.qos, c.wrapHandler(handler))
	var err error
	if !token.WaitTimeout(defaultPublishTimeout) {
		err = fmt.Errorf("timeout after %v", defaultPublishTimeout)
	} else {
		err = token.Error()
	}
	if err != nil {
		c.subMu.Lock()
		delete(c.subscriptions, topic)
		c.subMu.Unlock()
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Close は offline を出してから切断する
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(c.topics.Status(), c.qos, true, statusOffline)
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}

// wrapHandler はハンドラのエラーと panic をログに落とす
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("MQTT ハンドラで panic が発生しました", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			slog.Warn("MQTT メッセージを処理できませんでした", "topic", msg.Topic(), "err", err)
		}
	}
}
