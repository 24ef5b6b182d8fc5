package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pa2-control/pa2/log"
)

// LogManager はログファイルの設定と SIGHUP によるローテーションを受け持つ
type LogManager struct {
	logger   *log.Logger
	signalCh chan os.Signal
	done     chan struct{}
}

// NewLogManager はログファイルを開いて slog の出力先にし、SIGHUP を待ち受ける
func NewLogManager(logFilename string, debug bool) (*LogManager, error) {
	logger, err := log.Setup(logFilename, debug)
	if err != nil {
		return nil, err
	}

	lm := &LogManager{
		logger:   logger,
		signalCh: make(chan os.Signal, 1),
		done:     make(chan struct{}),
	}
	signal.Notify(lm.signalCh, syscall.SIGHUP)
	go lm.rotateLoop()

	return lm, nil
}

func (lm *LogManager) rotateLoop() {
	for {
		select {
		case <-lm.done:
			return
		case <-lm.signalCh:
			fmt.Fprintln(os.Stderr, "SIGHUPを受信しました。ログファイルをローテーションします...")
			slog.Info("SIGHUPを受信しました。ログファイルをローテーションします")
			if err := lm.Rotate(); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "ログローテーションエラー: %v\n", err)
			}
		}
	}
}

// Rotate はログファイルを開き直す
func (lm *LogManager) Rotate() error {
	return lm.logger.Rotate()
}

// Logger は出力先のファイルロガー。slog ハンドラを差し替えるときに使う
func (lm *LogManager) Logger() *log.Logger {
	return lm.logger
}

func (lm *LogManager) Close() error {
	signal.Stop(lm.signalCh)
	close(lm.done)
	// ログファイルを閉じる
	log.SetLogger(nil)
	return nil
}
