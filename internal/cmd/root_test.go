package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	SetVersionInfo("0.9.1", "4f2c9e1", "2026-10-01")
	assert.Equal(t, "0.9.1", versionInfo.Version)
	assert.Equal(t, "4f2c9e1", versionInfo.Commit)
	assert.Equal(t, "2026-10-01", versionInfo.BuildDate)

	SetVersionInfo("", "", "")
	assert.Empty(t, versionInfo.Version)
}

func TestGetAppIdentityBeforeInit(t *testing.T) {
	orig := appIdentity
	appIdentity = nil
	defer func() { appIdentity = orig }()

	assert.Nil(t, GetAppIdentity())
}

func TestSetDefaultsCoverDirectorSettings(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setDefaults()

	assert.Equal(t, 8080, viper.GetInt("server.port"))
	assert.Equal(t, "STRUCTURED", viper.GetString("logging.profile"))

	assert.Equal(t, 32, viper.GetInt("director.max_threads"))
	assert.Equal(t, "10s", viper.GetString("director.lock_timeout"))
	assert.True(t, viper.GetBool("director.enable_post_deploy"))
	assert.Equal(t, "db", viper.GetString("queue.backend"))
	assert.Equal(t, "db", viper.GetString("locks.backend"))
	assert.Equal(t, "dummy", viper.GetString("cloud.provider"))
	assert.Equal(t, "local", viper.GetString("blobstore.provider"))

	assert.True(t, viper.GetBool("scheduler.enabled"))
	assert.Equal(t, "0,30 * * * *", viper.GetString("scheduler.orphan_disks"))
	assert.Equal(t, "15 * * * *", viper.GetString("scheduler.tasks"))
	assert.Equal(t, 100, viper.GetInt("scheduler.tasks_kept"))
	assert.Equal(t, "goroutine", viper.GetString("tasks.isolation"))
}

func TestRootCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"serve"},
		{"worker", "run-task"},
		{"deploy"},
		{"instances", "stop"},
		{"run-errand"},
		{"tasks", "cancel"},
		{"disks", "delete"},
		{"clean-up"},
		{"db", "migrate"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Empty(t, rest)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
