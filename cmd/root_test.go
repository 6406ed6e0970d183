package cmd

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// RunE takes its logger from zap.L(), so PreRun alone must install it.
func TestPreRunInstallsGlobalLogger(t *testing.T) {
	for _, c := range []*cobra.Command{sendCmd, batchCmd, chainsCmd} {
		t.Run(c.Name(), func(t *testing.T) {
			t.Cleanup(zap.ReplaceGlobals(zap.NewNop()))
			require.NotNil(t, c.PreRun)
			require.NotNil(t, c.RunE)

			require.NoError(t, c.ParseFlags([]string{"--debug"}))
			t.Cleanup(func() { _ = c.Flags().Set("debug", "false") })

			c.PreRun(c, nil)
			assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

			require.NoError(t, c.Flags().Set("debug", "false"))
			c.PreRun(c, nil)
			assert.False(t, zap.L().Core().Enabled(zap.DebugLevel))
			assert.True(t, zap.L().Core().Enabled(zap.InfoLevel))
		})
	}
}

func TestConfigureLoggingJSON(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zap.NewNop()))
	require.NoError(t, chainsCmd.ParseFlags([]string{"--json"}))
	t.Cleanup(func() { _ = chainsCmd.Flags().Set("json", "false") })

	logger := configureLogging(chainsCmd, nil)
	assert.Same(t, logger, zap.L())
}
