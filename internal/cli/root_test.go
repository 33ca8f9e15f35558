package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand("test")
	require.NotNil(t, cmd)
	assert.Equal(t, "listing-sync", cmd.Use)
	assert.Equal(t, "test", cmd.Version)
	assert.True(t, cmd.SilenceErrors)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand("test")
	commands := []string{"views", "watch", "like", "unlike", "cache", "gateway", "mcp", "serve", "hash-key"}

	for _, name := range commands {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err, "command %s should exist", name)
			require.NotNil(t, sub)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestCacheSubcommands(t *testing.T) {
	cmd := NewRootCommand("test")

	for _, name := range []string{"list", "clear", "seed"} {
		sub, _, err := cmd.Find([]string{"cache", name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand("test")

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "false", verbose.DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestWatchCommandFlags(t *testing.T) {
	cmd := NewRootCommand("test")
	watch, _, err := cmd.Find([]string{"watch"})
	require.NoError(t, err)

	for _, name := range []string{"scope", "page", "sort", "desc", "once", "timeout"} {
		assert.NotNil(t, watch.Flags().Lookup(name), name)
	}

	interactive := watch.Flags().Lookup("interactive")
	require.NotNil(t, interactive)
	assert.Equal(t, "i", interactive.Shorthand)
	assert.Equal(t, defaultOnceTimeout.String(), watch.Flags().Lookup("timeout").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand("test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"views", "--format", "yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestWatchRequiresView(t *testing.T) {
	cmd := NewRootCommand("test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"watch"})

	require.Error(t, cmd.Execute())
}
