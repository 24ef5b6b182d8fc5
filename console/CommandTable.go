package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/c-bata/go-prompt"
)

// CommandDefinition はコマンドの定義を保持する構造体
type CommandDefinition struct {
	Name              string                                                      // コマンド名
	Aliases           []string                                                    // 別名
	Summary           string                                                      // 概要（短い説明）
	Syntax            string                                                      // 構文
	Description       []string                                                    // 詳細説明（各行が1つの要素）
	ParseFunc         func(p CommandParser, parts []string) (*Command, error)     // パース関数
	GetCandidatesFunc func(s CompletionSource, d prompt.Document) []prompt.Suggest // 補完候補生成関数
}

var onOffSuggestions = []prompt.Suggest{
	{Text: "on", Description: "有効にする"},
	{Text: "off", Description: "無効にする"},
}

// pathCommand は <path> だけを引数に取るコマンドのパース関数を作る
func pathCommand(cmdType CommandType) func(p CommandParser, parts []string) (*Command, error) {
	return func(p CommandParser, parts []string) (*Command, error) {
		path, err := parsePathArg(parts, 1)
		if err != nil {
			return nil, err
		}
		if len(parts) > 2 {
			return nil, &InvalidArgument{Argument: parts[2]}
		}
		cmd := newCommand(cmdType)
		cmd.Path = path
		return cmd, nil
	}
}

// onOffCommand は [on|off] を引数に取るコマンドのパース関数を作る
func onOffCommand(cmdType CommandType) func(p CommandParser, parts []string) (*Command, error) {
	return func(p CommandParser, parts []string) (*Command, error) {
		enabled, err := parseOnOff(parts, 1)
		if err != nil {
			return nil, err
		}
		cmd := newCommand(cmdType)
		cmd.Enabled = enabled
		return cmd, nil
	}
}

// firstArgPathCandidates は第1引数の位置でだけパスを補完する
func firstArgPathCandidates(s CompletionSource, d prompt.Document) []prompt.Suggest {
	if len(splitWords(d.TextBeforeCursor())) != 2 {
		return []prompt.Suggest{}
	}
	return getPathCandidates(s, d.GetWordBeforeCursor())
}

// CommandTable はコマンドの定義を格納するテーブル
var CommandTable = []CommandDefinition{
	{
		Name:    "devices",
		Aliases: []string{"list"},
		Summary: "探索で見つかった機器の一覧表示",
		Syntax:  "devices",
		Description: []string{
			"ブロードキャスト探索で応答した機器を番号付きで表示します。",
			"番号は connect コマンドで使えます。",
		},
		ParseFunc: func(p CommandParser, parts []string) (*Command, error) {
			return newCommand(CmdDevices), nil
		},
	},
	{
		Name:    "connect",
		Summary: "機器への接続",
		Syntax:  "connect <ipAddress|index>",
		Description: []string{
			"ipAddress: 機器のIPアドレス（例: 192.168.0.50）",
			"index: devices で表示された番号",
			"接続済みの場合は切断してから接続し直します。",
		},
		GetCandidatesFunc: func(s CompletionSource, d prompt.Document) []prompt.Suggest {
			if len(splitWords(d.TextBeforeCursor())) != 2 {
				return []prompt.Suggest{}
			}
			return getDeviceCandidates(s)
		},
		ParseFunc: func(p CommandParser, parts []string) (*Command, error) {
			if len(parts) < 2 || parts[1] == "" {
				return nil, fmt.Errorf("connect コマンドにはIPアドレスまたは番号が必要です")
			}
			if len(parts) > 2 {
				return nil, &InvalidArgument{Argument: parts[2]}
			}
			cmd := newCommand(CmdConnect)
			cmd.Target = parts[1]
			return cmd, nil
		},
	},
	{
		Name:    "disconnect",
		Summary: "機器との切断",
		Syntax:  "disconnect",
		ParseFunc: func(p CommandParser, parts []string) (*Command, error) {
			return newCommand(CmdDisconnect), nil
		},
	},
	{
		Name:    "ls",
		Summary: "子ノードの一覧表示",
		Syntax:  "ls <path>",
		Description: []string{
			"path: \\\\Node\\AT または Node/AT の形式",
			"結果は補完候補としても使われます。",
		},
		GetCandidatesFunc: firstArgPathCandidates,
		ParseFunc:         pathCommand(CmdLs),
	},
	{
		Name:              "get",
		Summary:           "パラメータ値の取得",
		Syntax:            "get <path>",
		Description:       []string{"例: get Node/AT/Class_Name"},
		GetCandidatesFunc: firstArgPathCandidates,
		ParseFunc:         pathCommand(CmdGet),
	},
	{
		Name:              "asyncget",
		Summary:           "パラメータ値の取得（asyncget）",
		Syntax:            "asyncget <path>",
		Description:       []string{"メーターなど頻繁に変わる値の読み出しに使います。"},
		GetCandidatesFunc: firstArgPathCandidates,
		ParseFunc:         pathCommand(CmdAsyncGet),
	},
	{
		Name:    "set",
		Summary: "パラメータ値の設定",
		Syntax:  "set <path> <value>",
		Description: []string{
			"value: 空白を含む場合は \"...\" で囲みます",
			"例: set Preset/Mute On",
			"応答は待ちません。反映を確認するには sub を使います。",
		},
		GetCandidatesFunc: firstArgPathCandidates,
		ParseFunc: func(p CommandParser, parts []string) (*Command, error) {
			path, err := parsePathArg(parts, 1)
			if err != nil {
				return nil, err
			}
			if len(parts) < 3 {
				return nil, fmt.Errorf("set コマンドには値が必要です")
			}
			if len(parts) > 3 {
				return nil, &InvalidArgument{Argument: parts[3]}
			}
			cmd := newCommand(CmdSet)
			cmd.Path = path
			cmd.Value = parts[2]
			return cmd, nil
		},
	},
	{
		Name:              "sub",
		Aliases:           []string{"subscribe"},
		Summary:           "値の変化の購読",
		Syntax:            "sub <path>",
		Description:       []string{"値が変わるたびに表示します。unsub で解除します。"},
		GetCandidatesFunc: firstArgPathCandidates,
		ParseFunc:         pathCommand(CmdSub),
	},
	{
		Name:    "unsub",
		Aliases: []string{"unsubscribe"},
		Summary: "購読の解除",
		Syntax:  "unsub <path>",
		GetCandidatesFunc: func(s CompletionSource, d prompt.Document) []prompt.Suggest {
			if len(splitWords(d.TextBeforeCursor())) != 2 {
				return []prompt.Suggest{}
			}
			return pathSuggestions(s.SubscribedPaths(), "購読中")
		},
		ParseFunc: pathCommand(CmdUnsub),
	},
	{
		Name:    "watch",
		Summary: "一定間隔での値の表示",
		Syntax:  "watch <path> <interval>",
		Description: []string{
			"interval: 500ms, 2s など。単位を省略するとミリ秒",
			"asyncget を繰り返し送ります。unwatch で止めます。",
		},
		GetCandidatesFunc: firstArgPathCandidates,
		ParseFunc: func(p CommandParser, parts []string) (*Command, error) {
			path, err := parsePathArg(parts, 1)
			if err != nil {
				return nil, err
			}
			if len(parts) < 3 {
				return nil, fmt.Errorf("watch コマンドには間隔が必要です")
			}
			if len(parts) > 3 {
				return nil, &InvalidArgument{Argument: parts[3]}
			}
			interval, err := parseInterval(parts[2])
			if err != nil {
				return nil, err
			}
			cmd := newCommand(CmdWatch)
			cmd.Path = path
			cmd.Interval = interval
			return cmd, nil
		},
	},
	{
		Name:    "unwatch",
		Summary: "watch の停止",
		Syntax:  "unwatch <path>",
		GetCandidatesFunc: func(s CompletionSource, d prompt.Document) []prompt.Suggest {
			if len(splitWords(d.TextBeforeCursor())) != 2 {
				return []prompt.Suggest{}
			}
			return pathSuggestions(s.WatchedPaths(), "watch中")
		},
		ParseFunc: pathCommand(CmdUnwatch),
	},
	{
		Name:    "monitor",
		Summary: "受信メッセージの表示",
		Syntax:  "monitor [on|off]",
		Description: []string{
			"on にすると機器から届いた全てのメッセージを表示します。",
			"引数を省略すると現在の状態を表示します。",
		},
		GetCandidatesFunc: func(s CompletionSource, d prompt.Document) []prompt.Suggest {
			return onOffSuggestions
		},
		ParseFunc: onOffCommand(CmdMonitor),
	},
	{
		Name:    "debug",
		Summary: "デバッグログの切り替え",
		Syntax:  "debug [on|off]",
		Description: []string{
			"引数を省略すると現在の状態を表示します。",
		},
		GetCandidatesFunc: func(s CompletionSource, d prompt.Document) []prompt.Suggest {
			return onOffSuggestions
		},
		ParseFunc: onOffCommand(CmdDebug),
	},
	{
		Name:    "help",
		Summary: "ヘルプの表示",
		Syntax:  "help [command]",
		// GetCandidatesFunc は init で設定する (CommandTable 自身を参照するため)
		ParseFunc: func(p CommandParser, parts []string) (*Command, error) {
			cmd := newCommand(CmdHelp)
			if len(parts) > 1 && parts[1] != "" {
				cmd.Topic = &parts[1]
			}
			return cmd, nil
		},
	},
	{
		Name:    "quit",
		Aliases: []string{"exit"},
		Summary: "終了",
		Syntax:  "quit",
		ParseFunc: func(p CommandParser, parts []string) (*Command, error) {
			return newCommand(CmdQuit), nil
		},
	},
}

func init() {
	findCommand("help").GetCandidatesFunc = func(s CompletionSource, d prompt.Document) []prompt.Suggest {
		if len(splitWords(d.TextBeforeCursor())) != 2 {
			return []prompt.Suggest{}
		}
		return getCommandCandidates()
	}
}

// PrintCommandSummary は、全コマンドの簡単なサマリーを表示する
func PrintCommandSummary(w io.Writer) {
	fmt.Fprintln(w, "コマンド:")

	for _, cmd := range CommandTable {
		aliases := ""
		if len(cmd.Aliases) > 0 {
			aliases = fmt.Sprintf(", %s", strings.Join(cmd.Aliases, ", "))
		}
		fmt.Fprintf(w, "  %-22s: %s\n", cmd.Name+aliases, cmd.Summary)
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "詳細は 'help <コマンド名>' で確認できます。例: 'help set'")
}

// PrintCommandDetail は、特定のコマンドの詳細情報を表示する
func PrintCommandDetail(w io.Writer, commandName string) {
	cmd := findCommand(commandName)
	if cmd == nil {
		fmt.Fprintf(w, "不明なコマンド: %s\n", commandName)
		fmt.Fprintln(w, "利用可能なコマンドを確認するには 'help' を入力してください")
		return
	}

	fmt.Fprintf(w, "  %s: %s\n", cmd.Name, cmd.Summary)
	fmt.Fprintf(w, "  構文: %s\n", cmd.Syntax)
	if len(cmd.Description) > 0 {
		fmt.Fprintln(w, "  詳細:")
		for _, line := range cmd.Description {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}

// PrintUsage はコマンドの使用方法を表示する
func PrintUsage(w io.Writer, commandName *string) {
	if commandName == nil {
		fmt.Fprintln(w, "PA2 コントロールコンソール")
		PrintCommandSummary(w)
	} else {
		PrintCommandDetail(w, *commandName)
	}
}
