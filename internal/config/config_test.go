package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "STORE_BACKEND", "SQLITE_PATH", "POSTGRES_DSN",
		"STAGING_DIR", "MAX_FILE_SIZE_BYTES", "ALLOWED_EXTENSIONS",
		"ENGINE_NAME", "POOL_MIN_SIZE", "POOL_MAX_SIZE", "GPU_DEVICE_IDS",
		"ENGINE_ENDPOINTS", "LOG_FORMAT", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "whisper-base", cfg.EngineName)
	assert.Equal(t, 2, cfg.MaxConcurrentTasks)
}

func TestLoad_PostgresRequiresDSN(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORE_BACKEND", "postgres")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_InvalidStoreBackend(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORE_BACKEND", "mongo")
	_, err := Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidStoreBackend)
}

func TestAllowedExtensionSet(t *testing.T) {
	cfg := &Config{AllowedExtensions: "mp3, MP4 ,wav"}
	set := cfg.AllowedExtensionSet()
	assert.True(t, set["mp3"])
	assert.True(t, set["mp4"])
	assert.True(t, set["wav"])
	assert.False(t, set["exe"])
}

func TestAllowedExtensionSet_EmptyMeansNoRestriction(t *testing.T) {
	cfg := &Config{AllowedExtensions: ""}
	set := cfg.AllowedExtensionSet()
	assert.Empty(t, set)
}

func TestGPUDeviceIDList(t *testing.T) {
	cfg := &Config{GPUDeviceIDs: "0, 1,2"}
	assert.Equal(t, []int{0, 1, 2}, cfg.GPUDeviceIDList())
}

func TestGPUDeviceIDList_Empty(t *testing.T) {
	cfg := &Config{GPUDeviceIDs: ""}
	assert.Empty(t, cfg.GPUDeviceIDList())
}

func TestEngineEndpointMap(t *testing.T) {
	cfg := &Config{EngineEndpoints: "-1=http://cpu:9000, 0=http://gpu0:9000"}
	m := cfg.EngineEndpointMap()
	assert.Equal(t, "http://cpu:9000", m[-1])
	assert.Equal(t, "http://gpu0:9000", m[0])
}

func TestS3Enabled(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.S3Enabled())
	cfg.S3Bucket = "bucket"
	cfg.S3Region = "us-east-1"
	assert.True(t, cfg.S3Enabled())
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{LogFormat: "json", LogLevel: "debug"}
	logger := cfg.NewLogger()
	require.NotNil(t, logger)
}
