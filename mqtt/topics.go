package mqtt

import (
	"fmt"
	"strings"

	"pa2-control/pa2"
)

// Topics はトピック名を組み立てる。
//
//	<prefix>/state/Preset/Mute   機器の値 (retained)
//	<prefix>/set/Preset/Mute     値の書き込み要求
//	<prefix>/connection          接続状態 (retained)
//	<prefix>/status              ブリッジ自身の online/offline (retained, LWT)
type Topics struct {
	Prefix string
}

// State はパスの値を流すトピック
func (t Topics) State(path pa2.Path) (string, error) {
	if err := checkTopicPath(path); err != nil {
		return "", err
	}
	return t.Prefix + "/state/" + strings.Join(path, "/"), nil
}

// Set はパスへの書き込み要求を受けるトピック
func (t Topics) Set(path pa2.Path) (string, error) {
	if err := checkTopicPath(path); err != nil {
		return "", err
	}
	return t.Prefix + "/set/" + strings.Join(path, "/"), nil
}

// AllSets は書き込み要求をまとめて購読するためのワイルドカード
func (t Topics) AllSets() string {
	return t.Prefix + "/set/#"
}

func (t Topics) Connection() string {
	return t.Prefix + "/connection"
}

func (t Topics) Status() string {
	return t.Prefix + "/status"
}

// PathFromSetTopic は set トピックからパスを取り出す
func (t Topics) PathFromSetTopic(topic string) (pa2.Path, bool) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/set/")
	if !ok {
		return nil, false
	}
	path, err := pa2.ParsePath(rest)
	if err != nil {
		return nil, false
	}
	return path, true
}

// checkTopicPath はトピックのレベルに使えないセグメントを弾く
func checkTopicPath(path pa2.Path) error {
	if err := path.Validate(); err != nil {
		return err
	}
	for _, seg := range path {
		if strings.ContainsAny(seg, "/+#") {
			return fmt.Errorf("%w: segment %q", ErrInvalidTopic, seg)
		}
	}
	return nil
}
