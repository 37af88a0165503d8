package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/lobby/internal/scripts"
)

func TestPrintScripts(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printScripts(&buf, config{}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, len(scripts.Builtin())+1)
	assert.Equal(t, []string{"NAME", "ARITY", "DIGEST"}, strings.Fields(lines[0]))

	for i, b := range scripts.Builtin() {
		fields := strings.Fields(lines[i+1])
		require.Len(t, fields, 3)
		assert.Equal(t, b.Name, fields[0])
		assert.Equal(t, b.Digest(), fields[2])
	}
}

func TestPrintScriptsBadDirectory(t *testing.T) {
	var buf bytes.Buffer
	err := printScripts(&buf, config{ScriptsDir: t.TempDir()})
	assert.Error(t, err)
	assert.Empty(t, buf.String())
}
