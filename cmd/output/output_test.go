package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Label      string  `json:"label" yaml:"label"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

func TestWrite(t *testing.T) {
	v := sample{Label: "Perfect", Confidence: 0.5}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, v))
	assert.JSONEq(t, `{"label":"Perfect","confidence":0.5}`, buf.String())

	buf.Reset()
	require.NoError(t, Write(&buf, FormatYAML, v))
	assert.Equal(t, "label: Perfect\nconfidence: 0.5\n", buf.String())

	require.Error(t, Write(&buf, "xml", v))
}

func TestTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Table(&buf, []string{"ID", "RESULT"}, [][]string{{"12", "pass"}, {"3", "overridden"}}))
	assert.Equal(t, "ID  RESULT\n12  pass\n3   overridden\n", buf.String())
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("yaml", FormatJSON, FormatYAML))
	err := Validate("csv", FormatJSON, FormatYAML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json, yaml")
}
