package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// tempDB returns a fresh database path under t.TempDir().
func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "field.db")
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "fieldsync", cmd.Use)
	assert.Contains(t, cmd.Long, "online or not")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "enqueue", "status", "sync", "retry-failed", "clear-failed", "validate", "view", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	envFlag := cmd.PersistentFlags().Lookup("env-file")
	require.NotNil(t, envFlag)
	assert.Equal(t, ".env", envFlag.DefValue)

	dbFlag := cmd.PersistentFlags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "", dbFlag.DefValue)
}

func TestEnqueueCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	enqueueCmd, _, err := cmd.Find([]string{"enqueue"})
	require.NoError(t, err)

	for _, name := range []string{"target", "before", "after", "attach", "notify"} {
		assert.NotNil(t, enqueueCmd.Flags().Lookup(name), "flag --%s", name)
	}
}

func TestRunCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	addrFlag := runCmd.Flags().Lookup("status-addr")
	require.NotNil(t, addrFlag)
	assert.Equal(t, "", addrFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "status", "--db", tempDB(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestIsValidFormat(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))
	assert.False(t, isValidFormat("yaml"))
	assert.False(t, isValidFormat(""))
}
