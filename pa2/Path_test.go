package pa2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePath(t *testing.T) {
	assert.Equal(t, `\\Node\AT\Class_Name`, EncodePath(Path{"Node", "AT", "Class_Name"}))
	assert.Equal(t, `\\Preset`, Path{"Preset"}.String())
}

func TestDecodePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Path
	}{
		{"通常", `\\Node\AT\Class_Name`, Path{"Node", "AT", "Class_Name"}},
		{"空セグメントを捨てる", `\\A\\B\`, Path{"A", "B"}},
		{"先頭区切り無し", `Node\SV`, Path{"Node", "SV"}},
		{"空", `\\`, Path{}},
		{"空白を含むセグメント", `\\Storage\Presets\SV\Current Preset`, Path{"Storage", "Presets", "SV", "Current Preset"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodePath(tt.in))
		})
	}
}

func TestPath_RoundTrip(t *testing.T) {
	paths := []Path{
		{"A"},
		{"Node", "AT", "Class_Name"},
		{"Preset", "LeftPEQ", "PEQ", "Band_1_Frequency"},
		{"with space", "and-dash", "ümlaut"},
		{"a:b", "*", ".."},
	}
	for _, p := range paths {
		assert.Equal(t, p, DecodePath(EncodePath(p)), "path %v", []string(p))
	}
}

func TestPath_Equal(t *testing.T) {
	a := Path{"A", "B"}
	assert.True(t, a.Equal(Path{"A", "B"}))
	assert.False(t, a.Equal(Path{"A"}))
	assert.False(t, a.Equal(Path{"B", "A"}))
	assert.False(t, a.Equal(nil))
	assert.True(t, Path{}.Equal(nil))
}

func TestPath_Child(t *testing.T) {
	base := make(Path, 1, 4)
	base[0] = "Preset"
	c1 := base.Child("A")
	c2 := base.Child("B")
	assert.Equal(t, Path{"Preset", "A"}, c1)
	assert.Equal(t, Path{"Preset", "B"}, c2)
}

func TestPath_Validate(t *testing.T) {
	require.NoError(t, Path{"Node", "AT"}.Validate())
	assert.ErrorIs(t, Path{}.Validate(), ErrInvalidPath)
	assert.ErrorIs(t, Path{"A", ""}.Validate(), ErrInvalidPath)
	assert.ErrorIs(t, Path{`A\B`}.Validate(), ErrInvalidPath)
	assert.ErrorIs(t, Path{`A"B`}.Validate(), ErrInvalidPath)
	assert.ErrorIs(t, Path{"A\nB"}.Validate(), ErrInvalidPath)
}

func TestParsePath(t *testing.T) {
	for _, in := range []string{`\\Preset\Mute`, `\Preset\Mute`, `Preset/Mute`, ` /Preset/Mute/ `} {
		path, err := ParsePath(in)
		require.NoError(t, err, in)
		assert.Equal(t, Path{"Preset", "Mute"}, path, in)
	}

	_, err := ParsePath("")
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = ParsePath(`A/"B`)
	assert.ErrorIs(t, err, ErrInvalidPath)
}
