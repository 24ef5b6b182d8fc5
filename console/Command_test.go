package console

import (
	"testing"
	"time"

	"pa2-control/pa2"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitWords(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"空文字列", "", []string{}},
		{"通常の入力", "get Preset/Mute", []string{"get", "Preset/Mute"}},
		{"末尾に空白", "get ", []string{"get", ""}},
		{"複数の空白", "  set   A  B", []string{"set", "A", "B"}},
		{"引用符の中の空白", `set A "x y"`, []string{"set", "A", "x y"}},
		{"空の引用符", `set A ""`, []string{"set", "A", ""}},
		{"バックスラッシュはそのまま", `get \\Node\AT`, []string{"get", `\\Node\AT`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.expected, splitWords(tt.input)); diff != "" {
				t.Errorf("splitWords(%q) mismatch (-want +got):\n%s", tt.input, diff)
			}
		})
	}
}

func boolPtr(v bool) *bool { return &v }

func TestParseCommand(t *testing.T) {
	parser := NewCommandParser()
	ignore := cmpopts.IgnoreFields(Command{}, "Done", "Error")

	tests := []struct {
		input    string
		expected Command
	}{
		{"devices", Command{Type: CmdDevices}},
		{"list", Command{Type: CmdDevices}},
		{"connect 192.168.0.50", Command{Type: CmdConnect, Target: "192.168.0.50"}},
		{"disconnect", Command{Type: CmdDisconnect}},
		{"ls Node/AT", Command{Type: CmdLs, Path: pa2.Path{"Node", "AT"}}},
		{`get \\Node\AT\Class_Name`, Command{Type: CmdGet, Path: pa2.Path{"Node", "AT", "Class_Name"}}},
		{`asyncget \Meter\Level`, Command{Type: CmdAsyncGet, Path: pa2.Path{"Meter", "Level"}}},
		{`set Preset/Mute "On"`, Command{Type: CmdSet, Path: pa2.Path{"Preset", "Mute"}, Value: "On"}},
		{`set Preset/Name ""`, Command{Type: CmdSet, Path: pa2.Path{"Preset", "Name"}, Value: ""}},
		{"sub Preset/Mute", Command{Type: CmdSub, Path: pa2.Path{"Preset", "Mute"}}},
		{"unsubscribe Preset/Mute", Command{Type: CmdUnsub, Path: pa2.Path{"Preset", "Mute"}}},
		{"watch Meter/Level 250", Command{Type: CmdWatch, Path: pa2.Path{"Meter", "Level"}, Interval: 250 * time.Millisecond}},
		{"watch Meter/Level 2s", Command{Type: CmdWatch, Path: pa2.Path{"Meter", "Level"}, Interval: 2 * time.Second}},
		{"unwatch Meter/Level", Command{Type: CmdUnwatch, Path: pa2.Path{"Meter", "Level"}}},
		{"monitor", Command{Type: CmdMonitor}},
		{"monitor on", Command{Type: CmdMonitor, Enabled: boolPtr(true)}},
		{"debug OFF", Command{Type: CmdDebug, Enabled: boolPtr(false)}},
		{"quit", Command{Type: CmdQuit}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd, err := parser.ParseCommand(tt.input)
			require.NoError(t, err)
			require.NotNil(t, cmd)
			if diff := cmp.Diff(tt.expected, *cmd, ignore); diff != "" {
				t.Errorf("ParseCommand(%q) mismatch (-want +got):\n%s", tt.input, diff)
			}
		})
	}
}

func TestParseCommand_Help(t *testing.T) {
	cmd, err := NewCommandParser().ParseCommand("help get")
	require.NoError(t, err)
	require.NotNil(t, cmd.Topic)
	assert.Equal(t, "get", *cmd.Topic)

	cmd, err = NewCommandParser().ParseCommand("help")
	require.NoError(t, err)
	assert.Nil(t, cmd.Topic)
}

func TestParseCommand_Empty(t *testing.T) {
	cmd, err := NewCommandParser().ParseCommand("   ")
	assert.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestParseCommand_Errors(t *testing.T) {
	parser := NewCommandParser()
	for _, input := range []string{
		"frobnicate",
		"connect",
		"connect a b",
		"get",
		`get "/"`,
		"get A B",
		"set Preset/Mute",
		"set A b c",
		"watch Meter/Level",
		"watch Meter/Level soon",
		"watch Meter/Level 10ms",
		"monitor maybe",
	} {
		t.Run(input, func(t *testing.T) {
			cmd, err := parser.ParseCommand(input)
			assert.Error(t, err)
			assert.Nil(t, cmd)
		})
	}

	_, err := parser.ParseCommand("ls a b")
	var invalid *InvalidArgument
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "b", invalid.Argument)
}
