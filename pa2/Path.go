package pa2

import (
	"fmt"
	"strings"
)

// PathPrefix はワイヤ上のパス表現の先頭に付く区切り
const PathPrefix = `\\`

// Path はパラメータツリー上の1ノードを表すセグメント列
// 例: Path{"Node", "AT", "Class_Name"} は `\\Node\AT\Class_Name` にエンコードされる
type Path []string

// DecodePath はワイヤ表現のパスを分解する。空のセグメントは捨てる
func DecodePath(s string) Path {
	parts := strings.Split(s, `\`)
	path := make(Path, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			path = append(path, p)
		}
	}
	return path
}

// ParsePath は人が入力したパスを解釈する。
// `\\Node\AT\Class_Name`、`\Node\AT\Class_Name`、`Node/AT/Class_Name` のいずれも受け付ける
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, `\`) {
		s = strings.ReplaceAll(s, `\`, "/")
	}
	path := make(Path, 0)
	for _, seg := range strings.Split(s, "/") {
		if seg = strings.TrimSpace(seg); seg != "" {
			path = append(path, seg)
		}
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}
	return path, nil
}

// EncodePath はパスをワイヤ表現にする
func EncodePath(p Path) string {
	return PathPrefix + strings.Join(p, `\`)
}

func (p Path) String() string {
	return EncodePath(p)
}

// Key はマップのキーに使う直列化済みのパス
func (p Path) Key() string {
	return EncodePath(p)
}

// Equal は順序込みで完全一致するかを返す
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Child は子ノードのパスを返す。元のスライスは共有しない
func (p Path) Child(segments ...string) Path {
	child := make(Path, 0, len(p)+len(segments))
	child = append(child, p...)
	return append(child, segments...)
}

// Validate はワイヤに載せられるパスかを確認する
// 文法にエスケープが無いので、区切り文字・引用符・改行を含むセグメントは送れない
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for i, seg := range p {
		if seg == "" {
			return fmt.Errorf("%w: empty segment at %d", ErrInvalidPath, i)
		}
		if strings.ContainsAny(seg, "\\\"\r\n") {
			return fmt.Errorf("%w: segment %q", ErrInvalidPath, seg)
		}
	}
	return nil
}
