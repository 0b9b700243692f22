package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/cycjobs/pkg/toolapi"
)

func TestParseRawArgs(t *testing.T) {
	got, err := parseRawArgs([]string{"nstruct=5", "relax=true", "scale=0.5", "sequence=GRGDSP", "chains=[A,B]", "note=a=b"})
	require.NoError(t, err)

	assert.Equal(t, 5, got["nstruct"])
	assert.Equal(t, true, got["relax"])
	assert.Equal(t, 0.5, got["scale"])
	assert.Equal(t, "GRGDSP", got["sequence"])
	assert.Equal(t, []any{"A", "B"}, got["chains"])
	assert.Equal(t, "a=b", got["note"])
}

func TestParseRawArgs_Invalid(t *testing.T) {
	_, err := parseRawArgs([]string{"nstruct"})
	assert.ErrorContains(t, err, "expected key=value")

	_, err = parseRawArgs([]string{"=5"})
	assert.Error(t, err)
}

func TestDecodeScalar_KeepsMappingsAsText(t *testing.T) {
	assert.Equal(t, "a: b", decodeScalar("a: b"))
	assert.Equal(t, "", decodeScalar(""))
}

func TestParseToolParams(t *testing.T) {
	tool := &toolapi.Tool{
		Name: "submit_batch",
		Kind: toolapi.KindSubmit,
		Params: []toolapi.Param{
			{Name: "sequence", Type: toolapi.ParamSequence},
			{Name: "sequences", Type: toolapi.ParamSequences},
			{Name: "pdb_file", Type: toolapi.ParamFile},
			{Name: "nstruct", Type: toolapi.ParamInt},
			{Name: "label", Type: toolapi.ParamString},
		},
	}

	got, err := parseToolParams(tool, []string{
		"sequence=123",
		"sequences=GRGDSP, AAAA ,",
		"pdb_file=/tmp/x.pdb",
		"nstruct=10",
		"label=true",
		"job_name=42",
	})
	require.NoError(t, err)

	assert.Equal(t, "123", got["sequence"])
	assert.Equal(t, []any{"GRGDSP", "AAAA"}, got["sequences"])
	assert.Equal(t, "/tmp/x.pdb", got["pdb_file"])
	assert.Equal(t, 10, got["nstruct"])
	assert.Equal(t, "true", got["label"])
	assert.Equal(t, "42", got["job_name"])
}
