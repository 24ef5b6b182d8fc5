package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"pa2-control/config"
	"pa2-control/pa2/handler"
)

// Server は設定から PA2Handler を組み立て、探索と自動接続を始める
type Server struct {
	ctx     context.Context
	handler *handler.PA2Handler
}

// HandlerOptionsFromConfig は設定を PA2Handler のオプションに変換する
func HandlerOptionsFromConfig(cfg *config.Config) (handler.PA2HandlerOptions, error) {
	var opts handler.PA2HandlerOptions
	interval, err := cfg.Discovery.IntervalDuration()
	if err != nil {
		return opts, err
	}
	staleAfter, err := cfg.Discovery.StaleAfterDuration()
	if err != nil {
		return opts, err
	}
	requestTimeout, err := cfg.Client.RequestTimeoutDuration()
	if err != nil {
		return opts, err
	}
	debounce, err := cfg.Client.DebounceDuration()
	if err != nil {
		return opts, err
	}
	handshakeTimeout, err := cfg.Client.HandshakeTimeoutDuration()
	if err != nil {
		return opts, err
	}

	opts.Discovery = handler.DiscoveryOptions{
		ListenPort: cfg.Discovery.ListenPort,
		DevicePort: cfg.Discovery.DevicePort,
		Interval:   interval,
		StaleAfter: staleAfter,
	}
	opts.Connector = handler.ConnectorOptions{HandshakeTimeout: handshakeTimeout}
	opts.Client = handler.ClientOptions{RequestTimeout: requestTimeout, Debounce: debounce}
	opts.Credentials = handler.Credentials{Username: cfg.Device.Username, Password: cfg.Device.Password}
	return opts, nil
}

// ConfiguredDevice は [device] の接続先。address が空なら ok=false
func ConfiguredDevice(cfg *config.Config) (handler.Device, bool, error) {
	if cfg.Device.Address == "" {
		return handler.Device{}, false, nil
	}
	ip := net.ParseIP(cfg.Device.Address)
	if ip == nil || ip.To4() == nil {
		return handler.Device{}, false, fmt.Errorf("device.address %q は IPv4 アドレスではありません", cfg.Device.Address)
	}
	return handler.Device{IP: ip.To4(), Port: cfg.Device.Port}, true, nil
}

func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	opts, err := HandlerOptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	device, autoConnect, err := ConfiguredDevice(cfg)
	if err != nil {
		return nil, err
	}

	pa2Handler := handler.NewPA2Handler(ctx, opts)

	// 新しく見つかった機器と消えた機器をログに残す
	known := make(map[string]bool)
	pa2Handler.OnDevices(func(devices []handler.Device) {
		seen := make(map[string]bool, len(devices))
		for _, d := range devices {
			key := d.Address()
			seen[key] = true
			if !known[key] {
				slog.Info("新しいデバイスが検出されました", "device", d)
			}
		}
		for key := range known {
			if !seen[key] {
				slog.Info("デバイスが見えなくなりました", "device", key)
			}
		}
		known = seen
	})

	if cfg.Discovery.Enabled {
		if err := pa2Handler.StartDiscovery(); err != nil {
			_ = pa2Handler.Close()
			return nil, fmt.Errorf("機器の探索を開始できませんでした: %w", err)
		}
	}

	// 起動時の接続は時間がかかることがあるので goroutine で実行する
	if autoConnect {
		go func() {
			if err := pa2Handler.Connect(ctx, device); err != nil {
				slog.Error("設定された機器に接続できませんでした", "device", device, "err", err)
			}
		}()
	}

	return &Server{
		ctx:     ctx,
		handler: pa2Handler,
	}, nil
}

func (s *Server) Close() error {
	return s.handler.Close()
}

func (s *Server) GetHandler() *handler.PA2Handler {
	return s.handler
}
