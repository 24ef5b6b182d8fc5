package console

import (
	"fmt"
	"strings"
	"time"

	"pa2-control/pa2"

	"golang.org/x/exp/slices"
)

// CommandType はコマンドの種類を表す
type CommandType int

const (
	CmdDevices CommandType = iota
	CmdConnect
	CmdDisconnect
	CmdLs
	CmdGet
	CmdAsyncGet
	CmdSet
	CmdSub
	CmdUnsub
	CmdWatch
	CmdUnwatch
	CmdMonitor
	CmdDebug
	CmdHelp
	CmdQuit
)

// Command はパース済みのコマンド
type Command struct {
	Type     CommandType
	Path     pa2.Path
	Value    string        // set の値
	Target   string        // connect の IP アドレスまたは devices の番号
	Interval time.Duration // watch の間隔
	Enabled  *bool         // monitor/debug。nil なら現在の状態を表示
	Topic    *string       // help の対象コマンド
	Done     chan struct{}
	Error    error
}

func newCommand(cmdType CommandType) *Command {
	return &Command{
		Type: cmdType,
		Done: make(chan struct{}),
	}
}

// InvalidArgument は解釈できなかった引数
type InvalidArgument struct {
	Argument string
}

func (e *InvalidArgument) Error() string {
	return fmt.Sprintf("無効な引数です: %s", e.Argument)
}

// CommandParser は入力行を Command にする
type CommandParser struct{}

func NewCommandParser() *CommandParser {
	return &CommandParser{}
}

// ParseCommand は1行をパースする。空行なら nil, nil を返す
func (p CommandParser) ParseCommand(input string) (*Command, error) {
	parts := splitWords(strings.TrimSpace(input))
	if len(parts) == 0 || parts[0] == "" {
		return nil, nil
	}

	def := findCommand(parts[0])
	if def == nil {
		return nil, fmt.Errorf("不明なコマンド: %s", parts[0])
	}
	return def.ParseFunc(p, parts)
}

func findCommand(name string) *CommandDefinition {
	for i := range CommandTable {
		if CommandTable[i].Name == name || slices.Contains(CommandTable[i].Aliases, name) {
			return &CommandTable[i]
		}
	}
	return nil
}

// parsePathArg は parts[index] をパスとして解釈する
func parsePathArg(parts []string, index int) (pa2.Path, error) {
	if index >= len(parts) || parts[index] == "" {
		return nil, fmt.Errorf("%s コマンドにはパスが必要です", parts[0])
	}
	path, err := pa2.ParsePath(parts[index])
	if err != nil {
		return nil, fmt.Errorf("パス %q が不正です: %w", parts[index], err)
	}
	return path, nil
}

// parseOnOff は on/off を解釈する。引数が無ければ nil
func parseOnOff(parts []string, index int) (*bool, error) {
	if index >= len(parts) || parts[index] == "" {
		return nil, nil
	}
	var v bool
	switch strings.ToLower(parts[index]) {
	case "on", "true", "1":
		v = true
	case "off", "false", "0":
		v = false
	default:
		return nil, &InvalidArgument{Argument: parts[index]}
	}
	return &v, nil
}

// parseInterval は "500ms" や "2s" のほか、単位なしの数値をミリ秒として受け付ける
func parseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		d, err = time.ParseDuration(s + "ms")
		if err != nil {
			return 0, &InvalidArgument{Argument: s}
		}
	}
	if d < minWatchInterval {
		return 0, fmt.Errorf("間隔は %v 以上を指定してください: %s", minWatchInterval, s)
	}
	return d, nil
}

// splitWords は入力行を単語に分割する。引用符の中の空白は区切らない。
// 末尾が空白なら空の単語を1つ足す (補完で次の引数の位置を知るため)
func splitWords(line string) []string {
	if line == "" {
		return []string{}
	}

	words := make([]string, 0)
	var word strings.Builder
	started := false // "" も1語として数える
	inQuote := false
	lastWasSpace := true

	for _, r := range line {
		switch r {
		case ' ', '\t':
			if inQuote {
				word.WriteRune(r)
				lastWasSpace = false
				continue
			}
			if !lastWasSpace && started {
				words = append(words, word.String())
				word.Reset()
				started = false
			}
			lastWasSpace = true
		case '"', '\'':
			inQuote = !inQuote
			started = true
			lastWasSpace = false
		default:
			word.WriteRune(r)
			started = true
			lastWasSpace = false
		}
	}

	if started {
		words = append(words, word.String())
	}
	if lastWasSpace {
		words = append(words, "")
	}
	return words
}
