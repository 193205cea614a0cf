package filter

import (
	"testing"

	"github.com/mrzor/pfviz/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Empty(t *testing.T) {
	f, err := Compile("")
	require.NoError(t, err)
	assert.Nil(t, f)

	ok, err := f.Match(model.RawEvent{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", f.String())
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"syntax", `tid ==`},
		{"unknown variable", `pid == 1`},
		{"not a bool", `tid + 1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.source)
			assert.Error(t, err)
		})
	}
}

func TestMatch(t *testing.T) {
	major := model.RawEvent{Timestamp: 10, TID: 7, Address: 0x1500, Kind: model.PageFault(model.TagMajorFault), Precise: true}
	minor := model.RawEvent{Timestamp: 20, TID: 8, Address: 0x2500, Kind: model.PageFault(model.TagMinorFault), Precise: true}
	miss := model.RawEvent{Timestamp: 30, TID: 7, Address: 0x5800, Kind: model.CustomPrecise("l3_miss")}

	tests := []struct {
		name   string
		source string
		ev     model.RawEvent
		want   bool
	}{
		{"major only accepts major", `major`, major, true},
		{"major only rejects minor", `major`, minor, false},
		{"minor", `minor`, minor, true},
		{"tag", `tag == "l3_miss"`, miss, true},
		{"kind", `kind == "custom"`, miss, true},
		{"fault rejects custom", `fault`, miss, false},
		{"precise", `precise`, miss, false},
		{"tid", `tid == 7`, major, true},
		{"page aligned", `page == 4096`, major, true},
		{"addr", `addr > 8192`, major, false},
		{"time window", `time >= 15 && time < 25`, minor, true},
		{"combined", `major || (tag == "l3_miss" && !precise)`, miss, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Compile(tt.source)
			require.NoError(t, err)

			got, err := f.Match(tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.source, f.String())
		})
	}
}
