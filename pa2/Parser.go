package pa2

import (
	"strings"
)

const endLsLine = "endls"

// ParseLines は改行区切りのバッチを先頭から順にデコードする。
// text の末尾は改行で終わっている前提。ls ブロックは endls までを1メッセージにまとめる。
// バッチ全体が成功したときだけメッセージを返し、途中で失敗したら何も返さない。
func ParseLines(text string) ([]Message, error) {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	messages := make([]Message, 0, len(lines))
	var block *Ls
	blockStart := 0

	for i, raw := range lines {
		line := strings.TrimSuffix(raw, "\r")

		if block != nil {
			if line == endLsLine {
				messages = append(messages, *block)
				block = nil
				continue
			}
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				return nil, &ProtocolDecodeError{Line: i + 1, Text: line, Reason: "ls entry without ':'"}
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return nil, &ProtocolDecodeError{Line: i + 1, Text: line, Reason: "ls entry without key"}
			}
			if key == ".." || key == "*" {
				continue
			}
			block.Children = append(block.Children, LsEntry{Key: key, Value: strings.TrimSpace(value)})
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		msg := ParseLine(line)
		if ls, ok := msg.(Ls); ok {
			block = &ls
			blockStart = i + 1
			continue
		}
		messages = append(messages, msg)
	}

	if block != nil {
		return nil, &incompleteBlockError{path: block.Path, line: blockStart}
	}
	return messages, nil
}

type incompleteBlockError struct {
	path Path
	line int
}

func (e *incompleteBlockError) Error() string {
	return ErrIncompleteBlock.Error() + " for " + e.path.String()
}

func (e *incompleteBlockError) Is(target error) bool {
	return target == ErrIncompleteBlock
}

// ParseLine は1行をデコードする。知らない形の行は Unknown になり、失敗はしない。
// ls のヘッダ行は子要素が空の Ls として返る。
func ParseLine(line string) Message {
	s := &lineScanner{s: line}
	keyword := s.keyword()

	switch keyword {
	case "get", "set", "setr", "subr":
		path, ok := s.path()
		if !ok {
			break
		}
		value, ok := s.quoted()
		if !ok || !s.done() {
			break
		}
		switch keyword {
		case "get":
			return Get{Path: path, Value: value}
		case "set":
			return Set{Path: path, Value: value}
		case "setr":
			return SetR{Path: path, Value: value}
		default:
			return SubR{Path: path, Value: value}
		}

	case "sub", "unsub", "unsubr", "ls":
		path, ok := s.path()
		if !ok || !s.done() {
			break
		}
		switch keyword {
		case "sub":
			return Sub{Path: path}
		case "unsub":
			return Unsub{Path: path}
		case "unsubr":
			return UnsubR{Path: path}
		default:
			return Ls{Path: path, Children: []LsEntry{}}
		}

	case "error":
		message, ok := s.quoted()
		if ok && s.done() {
			return Error{Message: message}
		}
	}

	return Unknown{Raw: line}
}

type lineScanner struct {
	s   string
	pos int
}

func (l *lineScanner) keyword() string {
	start := l.pos
	for l.pos < len(l.s) && l.s[l.pos] >= 'a' && l.s[l.pos] <= 'z' {
		l.pos++
	}
	return l.s[start:l.pos]
}

func (l *lineScanner) skipSpace() {
	for l.pos < len(l.s) && (l.s[l.pos] == ' ' || l.s[l.pos] == '\t') {
		l.pos++
	}
}

// quoted は引用符で囲まれた文字列を読む。中身にエスケープは無い
func (l *lineScanner) quoted() (string, bool) {
	l.skipSpace()
	if l.pos >= len(l.s) || l.s[l.pos] != '"' {
		return "", false
	}
	end := strings.IndexByte(l.s[l.pos+1:], '"')
	if end < 0 {
		return "", false
	}
	value := l.s[l.pos+1 : l.pos+1+end]
	l.pos += end + 2
	return value, true
}

func (l *lineScanner) path() (Path, bool) {
	raw, ok := l.quoted()
	if !ok {
		return nil, false
	}
	path := DecodePath(raw)
	if len(path) == 0 {
		return nil, false
	}
	return path, true
}

func (l *lineScanner) done() bool {
	l.skipSpace()
	return l.pos == len(l.s)
}
