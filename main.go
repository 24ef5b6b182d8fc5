package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pa2-control/config"
	"pa2-control/console"
	"pa2-control/mqtt"
	"pa2-control/pa2/handler"
	"pa2-control/server"

	"golang.org/x/term"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		_, _ = fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}

func run(arguments []string) error {
	// コマンドライン引数の解析
	args, err := config.ParseCommandLineArgs(arguments)
	if err != nil {
		return err
	}

	// 設定ファイルの読み込み。明示的に指定されたフラグだけが上書きする
	cfg, err := config.LoadConfig(args.ConfigFile)
	if err != nil {
		return err
	}
	cfg.ApplyCommandLineArgs(args)
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ロガーのセットアップ (SIGHUP でローテーション)
	logManager, err := server.NewLogManager(cfg.Log.Filename, cfg.Debug)
	if err != nil {
		return fmt.Errorf("ログ設定エラー: %w", err)
	}
	defer func() {
		_ = logManager.Close()
	}()

	// ルートコンテキストの作成
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// シグナルハンドリングの設定 (SIGINT, SIGTERM)
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)
	go func() {
		select {
		case <-signalCh:
			fmt.Println("\nシグナルを受信しました。終了します...")
			cancel()
		case <-ctx.Done():
		}
	}()

	srv, err := server.NewServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			fmt.Printf("ハンドラのクローズ中にエラーが発生しました: %v\n", err)
		}
	}()
	pa2Handler := srv.GetHandler()
	credentials := handler.Credentials{Username: cfg.Device.Username, Password: cfg.Device.Password}

	if cfg.WebSocket.Enabled {
		ws, err := server.NewWebSocketServer(ctx, cfg.WebSocket.Addr, pa2Handler, server.WebSocketServerOptions{
			DevicePort:  cfg.Device.Port,
			Credentials: credentials,
		})
		if err != nil {
			return fmt.Errorf("WebSocketサーバーの作成に失敗しました: %w", err)
		}

		// 警告以上のログは WebSocket クライアントにも流す
		slog.SetDefault(slog.New(server.NewBroadcastHandler(slog.Default().Handler(), ws.Transport(), slog.LevelWarn)))

		fmt.Printf("WebSocketサーバーを起動しています: %s\n", cfg.WebSocket.Addr)
		go func() {
			if err := ws.Start(server.StartOptions{}); err != nil {
				slog.Error("WebSocketサーバーエラー", "err", err)
				cancel()
			}
		}()
		defer func() {
			if err := ws.Stop(); err != nil {
				slog.Warn("WebSocketサーバーの停止中にエラーが発生しました", "err", err)
			}
		}()
	}

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return err
		}
		defer func() {
			_ = client.Close()
		}()

		bridge, err := mqtt.NewBridge(client, pa2Handler, cfg.MQTT.TopicPrefix, cfg.MQTT.Paths)
		if err != nil {
			return err
		}
		if err := bridge.Start(); err != nil {
			return err
		}
		defer bridge.Close()
		fmt.Printf("MQTTブリッジを開始しました: %s (%d パス)\n", cfg.MQTT.Broker, len(bridge.Paths()))
	}

	if cfg.Console.Enabled && term.IsTerminal(int(os.Stdin.Fd())) {
		err := console.ConsoleProcess(ctx, pa2Handler, console.Options{
			Processor: console.ProcessorOptions{
				Credentials: credentials,
				DevicePort:  cfg.Device.Port,
			},
			HistoryFile: cfg.Console.HistoryFile,
		})
		cancel()
		return err
	}

	fmt.Println("Ctrl+C で終了します")
	<-ctx.Done()
	return nil
}
