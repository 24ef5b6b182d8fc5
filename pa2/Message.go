package pa2

import "fmt"

// Kind はデバイスから届くメッセージの種類
type Kind int

const (
	KindGet Kind = iota
	KindSet
	KindSetR
	KindSub
	KindUnsub
	KindUnsubR
	KindSubR
	KindLs
	KindError
	KindUnknown
)

var kindNames = map[Kind]string{
	KindGet:     "get",
	KindSet:     "set",
	KindSetR:    "setr",
	KindSub:     "sub",
	KindUnsub:   "unsub",
	KindUnsubR:  "unsubr",
	KindSubR:    "subr",
	KindLs:      "ls",
	KindError:   "error",
	KindUnknown: "unknown",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsValueUpdate は購読者に値の更新として配る種類かを返す
// デバイスは状態変化を subr/set/get/setr のどれででも返してくる
func (k Kind) IsValueUpdate() bool {
	switch k {
	case KindSubR, KindSet, KindGet, KindSetR:
		return true
	}
	return false
}

// Message はデコード済みの1メッセージ。具体的な型は下の各構造体のいずれか
type Message interface {
	Kind() Kind
	isMessage()
}

// Get は get "<path>" "<value>"
type Get struct {
	Path  Path
	Value string
}

// Set は set "<path>" "<value>"
type Set struct {
	Path  Path
	Value string
}

// SetR は setr "<path>" "<value>"
type SetR struct {
	Path  Path
	Value string
}

// Sub は sub "<path>"
type Sub struct {
	Path Path
}

// Unsub は unsub "<path>"
type Unsub struct {
	Path Path
}

// UnsubR は unsubr "<path>"
type UnsubR struct {
	Path Path
}

// SubR は subr "<path>" "<value>"
type SubR struct {
	Path  Path
	Value string
}

// LsEntry は ls ブロック内の1行
type LsEntry struct {
	Key   string
	Value string
}

// Ls は ls ブロック全体。".." と "*" のエントリは含まない
type Ls struct {
	Path     Path
	Children []LsEntry
}

// Error は error "<message>"
type Error struct {
	Message string
}

// Unknown は文法に合わなかった行をそのまま保持する
type Unknown struct {
	Raw string
}

func (Get) Kind() Kind     { return KindGet }
func (Set) Kind() Kind     { return KindSet }
func (SetR) Kind() Kind    { return KindSetR }
func (Sub) Kind() Kind     { return KindSub }
func (Unsub) Kind() Kind   { return KindUnsub }
func (UnsubR) Kind() Kind  { return KindUnsubR }
func (SubR) Kind() Kind    { return KindSubR }
func (Ls) Kind() Kind      { return KindLs }
func (Error) Kind() Kind   { return KindError }
func (Unknown) Kind() Kind { return KindUnknown }

func (Get) isMessage()     {}
func (Set) isMessage()     {}
func (SetR) isMessage()    {}
func (Sub) isMessage()     {}
func (Unsub) isMessage()   {}
func (UnsubR) isMessage()  {}
func (SubR) isMessage()    {}
func (Ls) isMessage()      {}
func (Error) isMessage()   {}
func (Unknown) isMessage() {}

// PathOf はパスを持つメッセージならそのパスを返す
func PathOf(msg Message) (Path, bool) {
	switch m := msg.(type) {
	case Get:
		return m.Path, true
	case Set:
		return m.Path, true
	case SetR:
		return m.Path, true
	case Sub:
		return m.Path, true
	case Unsub:
		return m.Path, true
	case UnsubR:
		return m.Path, true
	case SubR:
		return m.Path, true
	case Ls:
		return m.Path, true
	case Error, Unknown:
		return nil, false
	}
	return nil, false
}

// ValueOf は値を持つメッセージならその値を返す
func ValueOf(msg Message) (string, bool) {
	switch m := msg.(type) {
	case Get:
		return m.Value, true
	case Set:
		return m.Value, true
	case SetR:
		return m.Value, true
	case SubR:
		return m.Value, true
	case Error:
		return m.Message, true
	case Unknown:
		return m.Raw, true
	case Sub, Unsub, UnsubR, Ls:
		return "", false
	}
	return "", false
}
