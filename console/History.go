package console

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const defaultHistoryFileName = ".pa2-control_history"

// maxHistorySize を超えた分は古いものから捨てる
const maxHistorySize = 1000

// historyFilePath は履歴ファイルのパスを返す。相対パスはホームディレクトリからとする
func historyFilePath(name string) string {
	if name == "" {
		name = defaultHistoryFileName
	}
	if filepath.IsAbs(name) {
		return name
	}
	home, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("ホームディレクトリが取得できませんでした。履歴ファイルはカレントディレクトリに作成されます", "err", err)
		return name
	}
	return filepath.Join(home, name)
}

// loadHistory は履歴ファイルを読み、空行と重複を除いて返す。重複は新しい方を残す
func loadHistory(filePath string) []string {
	file, err := os.Open(filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("履歴ファイルの読み込みに失敗しました", "file", filePath, "err", err)
		}
		return []string{}
	}
	defer file.Close()

	var history []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		history = append(history, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("履歴ファイルのスキャン中にエラーが発生しました", "file", filePath, "err", err)
	}

	cleaned := make([]string, 0, len(history))
	seen := make(map[string]struct{})
	for i := len(history) - 1; i >= 0; i-- { // 新しいものから見ていく
		line := strings.TrimSpace(history[i])
		if line == "" {
			continue
		}
		if _, ok := seen[line]; !ok {
			cleaned = append(cleaned, line)
			seen[line] = struct{}{}
		}
	}
	for i, j := 0, len(cleaned)-1; i < j; i, j = i+1, j-1 {
		cleaned[i], cleaned[j] = cleaned[j], cleaned[i]
	}

	if len(cleaned) > maxHistorySize {
		cleaned = cleaned[len(cleaned)-maxHistorySize:]
	}
	return cleaned
}

// saveHistory は履歴をファイルに書き込む
func saveHistory(filePath string, history []string) error {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("履歴ファイル %s を開けませんでした: %w", filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, line := range history {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := fmt.Fprintln(writer, line); err != nil {
			return fmt.Errorf("履歴の書き込みに失敗しました: %w", err)
		}
	}
	return writer.Flush()
}

// compactHistory は readline に渡す前に履歴ファイルの重複を除く
func compactHistory(filePath string) {
	if _, err := os.Stat(filePath); err != nil {
		return
	}
	if err := saveHistory(filePath, loadHistory(filePath)); err != nil {
		slog.Warn("履歴ファイルを整理できませんでした", "err", err)
	}
}
