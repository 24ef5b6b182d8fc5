package pa2

import (
	"fmt"
	"strings"
)

// Verb はクライアントから送るコマンド
type Verb string

const (
	VerbGet      Verb = "get"
	VerbAsyncGet Verb = "asyncget"
	VerbSet      Verb = "set"
	VerbSub      Verb = "sub"
	VerbUnsub    Verb = "unsub"
	VerbLs       Verb = "ls"
)

// EncodeCommand はパスだけを引数に取るコマンド行を作る
func EncodeCommand(verb Verb, path Path) ([]byte, error) {
	if verb == VerbSet {
		return nil, fmt.Errorf("set requires a value")
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("%s \"%s\"\n", verb, EncodePath(path))), nil
}

// EncodeSet は set コマンド行を作る
func EncodeSet(path Path, value string) ([]byte, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateValue(value); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("set \"%s\" \"%s\"\n", EncodePath(path), value)), nil
}

// EncodeConnect は認証コマンド行を作る
func EncodeConnect(username, password string) ([]byte, error) {
	if username == "" || strings.ContainsAny(username, " \t\"\r\n") {
		return nil, fmt.Errorf("invalid username %q", username)
	}
	if err := ValidateValue(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	return []byte(fmt.Sprintf("connect %s \"%s\"\n", username, password)), nil
}

// ValidateValue は引用符で囲んで送れる値かを確認する
func ValidateValue(value string) error {
	if strings.ContainsAny(value, "\"\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidValue, value)
	}
	return nil
}
