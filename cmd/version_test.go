package cmd

import (
	"bytes"
	"testing"

	"github.com/gatewarden/gatewarden/gatewarden"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCmd(t *testing.T) {
	originalVersion := gatewarden.Version
	originalCommit := gatewarden.CommitSHA
	t.Cleanup(
		func() {
			gatewarden.Version = originalVersion
			gatewarden.CommitSHA = originalCommit
		},
	)
	gatewarden.Version = "1.2.3"
	gatewarden.CommitSHA = "abc123"

	buf := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	versionCmd.Run(cmd, nil)

	output := buf.String()
	assert.Contains(t, output, "version=1.2.3")
	assert.Contains(t, output, "commit=abc123")
	require.NotEmpty(t, output)
}
