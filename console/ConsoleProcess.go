package console

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/chzyer/readline"
)

// Options はコンソールの設定
type Options struct {
	Processor   ProcessorOptions
	HistoryFile string // 相対パスはホームディレクトリから
}

// ConsoleProcess は quit か EOF まで対話コンソールを動かす
func ConsoleProcess(ctx context.Context, h PA2Controller, opts Options) error {
	processor := NewCommandProcessor(ctx, h, opts.Processor)
	processor.Start()
	defer processor.Stop()

	historyFile := historyFilePath(opts.HistoryFile)
	compactHistory(historyFile)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFile,
		HistoryLimit:    maxHistorySize,
		AutoComplete:    &dynamicCompleter{source: processor},
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("readline の初期化エラー: %w", err)
	}
	defer func() {
		_ = rl.Close()
	}()

	// 非同期の表示でプロンプトが崩れないよう readline 経由で書く
	processor.SetOutput(rl.Stdout())
	fmt.Fprintln(rl.Stdout(), "help for usage, quit to exit")

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	return runLoop(rl.Readline, processor, NewCommandParser(), rl.Stderr())
}

// runLoop は1行ずつ読んでコマンドを実行する。readLine が io.EOF などを返したら終わる
func runLoop(readLine func() (string, error), processor *CommandProcessor, parser *CommandParser, errOut io.Writer) error {
	for {
		line, err := readLine()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				return nil
			}
			return err
		}

		cmd, err := parser.ParseCommand(line)
		if err != nil {
			errorColor.Fprintf(errOut, "エラー: %v\n", err)
			continue
		}
		if cmd == nil {
			continue
		}

		if cmd.Type == CmdQuit {
			return nil
		}

		if err := processor.SendCommand(cmd); err != nil {
			errorColor.Fprintf(errOut, "エラー: %v\n", err)
		}
	}
}
