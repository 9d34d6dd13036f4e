package cmd

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistration(t *testing.T) {
	require.NotNil(t, rootCmd)
	assert.Equal(t, "gantry", rootCmd.Use)

	expected := []string{
		"create", "run", "start", "pause", "resume", "retry",
		"cancel", "delete", "force-fail", "status", "list",
	}
	registered := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "missing subcommand %s", name)
	}
}

func TestCreateCommandFlags(t *testing.T) {
	require.NotNil(t, createCmd.Flags().Lookup("file"))
	require.NotNil(t, createCmd.Flags().Lookup("repo"))
	require.NotNil(t, createCmd.Flags().Lookup("start"))
	assert.Equal(t, ".", createCmd.Flags().Lookup("repo").DefValue)
}

func TestRetryCommandFlags(t *testing.T) {
	flag := retryCmd.Flags().Lookup("resume-session")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestLifecycleHelpMentionsEngineLock(t *testing.T) {
	for _, c := range []*cobra.Command{startCmd, pauseCmd, resumeCmd, cancelCmd, deleteCmd, forceFailCmd, retryCmd} {
		assert.Contains(t, c.Long, "advisory lock", c.Name())
	}
}

func TestInstanceIDIncludesPID(t *testing.T) {
	id := instanceID()
	assert.NotEmpty(t, id)
	assert.Contains(t, id, "-")
}
