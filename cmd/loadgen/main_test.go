package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresetDefaults(t *testing.T) {
	_, runV := newLoadCommand("run", "", 1, 60*time.Second)
	_, benchV := newLoadCommand("bench", "", 20, 1800*time.Second)

	assert.Equal(t, 1, runV.GetInt("users"))
	assert.Equal(t, 60*time.Second, runV.GetDuration("duration"))
	assert.Equal(t, 20, benchV.GetInt("users"))
	assert.Equal(t, 1800*time.Second, benchV.GetDuration("duration"))
}

func TestPresetFlagBindingsAreIndependent(t *testing.T) {
	runCmd, runV := newLoadCommand("run", "", 1, 60*time.Second)
	_, benchV := newLoadCommand("bench", "", 20, 1800*time.Second)

	require.NoError(t, runCmd.Flags().Set("users", "3"))
	require.NoError(t, runCmd.Flags().Set("server", "http://example.test"))

	// The run command's flags reach its own viper.
	assert.Equal(t, 3, runV.GetInt("users"))
	assert.Equal(t, "http://example.test", runV.GetString("server"))
	assert.Equal(t, 60*time.Second, runV.GetDuration("duration"))

	// And leave the bench preset untouched.
	assert.Equal(t, 20, benchV.GetInt("users"))
	assert.Equal(t, "http://localhost:5000", benchV.GetString("server"))
}
