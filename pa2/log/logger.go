package log

import (
	"fmt"
	"os"
	"sync"
)

// Logger はログファイルへの書き込みを管理する。
// slog のハンドラから io.Writer として使われ、SIGHUP で Rotate される
type Logger struct {
	logFile  *os.File
	logMutex sync.Mutex
}

var (
	logger   *Logger
	loggerMu sync.Mutex
)

func GetLogger() *Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	return logger
}

// SetLogger は現在のロガーを差し替える。古いロガーは閉じる
func SetLogger(l *Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil && logger != l {
		logger.Close()
	}
	logger = l
}

// NewLogger creates a new logger that writes to the specified file
func NewLogger(filename string) (*Logger, error) {
	logFile, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("ログファイルを開けませんでした: %w", err)
	}
	return &Logger{logFile: logFile}, nil
}

// Filename は書き込み中のファイル名。閉じていれば空文字
func (l *Logger) Filename() string {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()
	if l.logFile == nil {
		return ""
	}
	return l.logFile.Name()
}

// Write implements io.Writer. 閉じた後の書き込みは捨てる
func (l *Logger) Write(p []byte) (int, error) {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()
	if l.logFile == nil {
		return len(p), nil
	}
	return l.logFile.Write(p)
}

func (l *Logger) Close() {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()

	if l.logFile != nil {
		_ = l.logFile.Close()
		l.logFile = nil
	}
}

// Rotate closes and reopens the log file
func (l *Logger) Rotate() error {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()

	if l.logFile == nil {
		return nil // No log file to rotate
	}

	currentLogPath := l.logFile.Name()
	_ = l.logFile.Close()

	logFile, err := os.OpenFile(currentLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		l.logFile = nil
		return fmt.Errorf("ログファイルを再オープンできませんでした: %w", err)
	}
	l.logFile = logFile
	return nil
}
