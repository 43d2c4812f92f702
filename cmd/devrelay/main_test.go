package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	drshare "github.com/sammck-go/devrelay/share"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, drshare.BuildVersion+"\n", out.String())
}

func TestNewRootLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devrelay.log")
	logger, closer, err := newRootLogger("devrelay", drshare.LogLevelInfo, drshare.LoggingConfig{
		File:      path,
		MaxSizeKB: 64,
		MaxRolls:  1,
	})
	require.NoError(t, err)
	logger.ILogf("started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "devrelay: started")
}

func TestNewRootLogger_NoFile(t *testing.T) {
	logger, closer, err := newRootLogger("devrelay", drshare.LogLevelWarning, drshare.LoggingConfig{})
	require.NoError(t, err)
	assert.Equal(t, drshare.LogLevelWarning, logger.GetLogLevel())
	assert.NoError(t, closer.Close())
}

func TestDeviceCommandRequiresID(t *testing.T) {
	cmd := newDeviceCmd()
	cmd.SetArgs([]string{"--server", "wss://localhost:4444/"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	assert.Error(t, cmd.Execute())
}
