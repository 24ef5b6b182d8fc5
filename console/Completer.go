package console

import (
	"fmt"
	"strings"

	"pa2-control/pa2"
	"pa2-control/pa2/handler"

	"github.com/c-bata/go-prompt"
	"github.com/chzyer/readline"
)

// CompletionSource は補完候補の材料。CommandProcessor が実装する
type CompletionSource interface {
	Devices() []handler.Device
	// CachedChildren は直近の ls の結果。まだ ls していなければ false
	CachedChildren(parent pa2.Path) ([]pa2.LsEntry, bool)
	SubscribedPaths() []pa2.Path
	WatchedPaths() []pa2.Path
}

// dynamicCompleter は CommandTable の候補関数を readline の補完に使う
type dynamicCompleter struct {
	source CompletionSource
}

var _ readline.AutoCompleter = (*dynamicCompleter)(nil)

// Do は readline.AutoCompleter の実装
func (dc *dynamicCompleter) Do(line []rune, pos int) (newLine [][]rune, length int) {
	suggestions, word := dc.suggest(string(line[:pos]))
	result := make([][]rune, 0, len(suggestions))
	for _, s := range suggestions {
		result = append(result, []rune(s.Text[len(word):]+" "))
	}
	return result, len([]rune(word))
}

// suggest はカーソル前のテキストに対する候補と、補完対象の単語を返す
func (dc *dynamicCompleter) suggest(text string) ([]prompt.Suggest, string) {
	buf := prompt.NewBuffer()
	buf.InsertText(text, false, true)
	d := *buf.Document()

	word := d.GetWordBeforeCursor()
	words := splitWords(text)

	var candidates []prompt.Suggest
	if len(words) <= 1 {
		candidates = getCommandCandidates()
	} else if def := findCommand(words[0]); def != nil && def.GetCandidatesFunc != nil {
		candidates = def.GetCandidatesFunc(dc.source, d)
	}
	return prompt.FilterHasPrefix(candidates, word, false), word
}

// --- 補完候補生成のためのヘルパー関数群 ---

// getCommandCandidates はコマンド名の候補を返す
func getCommandCandidates() []prompt.Suggest {
	suggests := make([]prompt.Suggest, 0, len(CommandTable))
	for _, def := range CommandTable {
		suggests = append(suggests, prompt.Suggest{Text: def.Name, Description: def.Summary})
		for _, alias := range def.Aliases {
			suggests = append(suggests, prompt.Suggest{Text: alias, Description: def.Summary})
		}
	}
	return suggests
}

// getDeviceCandidates は機器のIPアドレスと devices の番号 (1始まり) を返す
func getDeviceCandidates(s CompletionSource) []prompt.Suggest {
	devices := s.Devices()
	suggests := make([]prompt.Suggest, 0, len(devices)*2)
	for i, d := range devices {
		suggests = append(suggests, prompt.Suggest{Text: d.IP.String(), Description: d.String()})
		suggests = append(suggests, prompt.Suggest{Text: fmt.Sprint(i + 1), Description: d.String()})
	}
	return suggests
}

// getPathCandidates は入力中のパスの親ノードについて、キャッシュ済みの子ノードを返す。
// 補完は Node/AT の形式だけ
func getPathCandidates(s CompletionSource, word string) []prompt.Suggest {
	if strings.Contains(word, `\`) {
		return []prompt.Suggest{}
	}

	parentText := ""
	if i := strings.LastIndex(word, "/"); i >= 0 {
		parentText = word[:i]
	}
	if strings.Trim(parentText, "/") == "" {
		return []prompt.Suggest{}
	}

	parent, err := pa2.ParsePath(parentText)
	if err != nil {
		return []prompt.Suggest{}
	}
	children, ok := s.CachedChildren(parent)
	if !ok {
		return []prompt.Suggest{}
	}

	suggests := make([]prompt.Suggest, 0, len(children))
	for _, child := range children {
		suggests = append(suggests, prompt.Suggest{
			Text:        parentText + "/" + child.Key,
			Description: child.Value,
		})
	}
	return suggests
}

func pathSuggestions(paths []pa2.Path, description string) []prompt.Suggest {
	suggests := make([]prompt.Suggest, 0, len(paths))
	for _, p := range paths {
		suggests = append(suggests, prompt.Suggest{Text: strings.Join(p, "/"), Description: description})
	}
	return suggests
}
