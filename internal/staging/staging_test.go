package staging

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/asr-gateway/internal/crawler"
)

func newStager(t *testing.T, cfg Config) *Stager {
	t.Helper()
	cfg.Dir = t.TempDir()
	s, err := New(cfg, crawler.NewRegistry(), nil)
	require.NoError(t, err)
	return s
}

func TestStageUpload_Success(t *testing.T) {
	s := newStager(t, Config{MaxFileSizeBytes: 1024})
	path, err := s.StageUpload(context.Background(), strings.NewReader("hello world"), "clip.mp3")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.True(t, strings.HasSuffix(path, ".mp3"))
}

func TestStageUpload_TooLarge(t *testing.T) {
	s := newStager(t, Config{MaxFileSizeBytes: 4})
	_, err := s.StageUpload(context.Background(), strings.NewReader("way too large"), "clip.mp3")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestStageUpload_DisallowedExtension(t *testing.T) {
	s := newStager(t, Config{MaxFileSizeBytes: 1024, AllowedExtensions: map[string]bool{"mp3": true}})
	_, err := s.StageUpload(context.Background(), strings.NewReader("data"), "clip.exe")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDisallowedExtension)
}

func TestStageURL_Success(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 256)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	s := newStager(t, Config{MaxFileSizeBytes: 1024})
	path, err := s.StageURL(context.Background(), srv.URL+"/clip.wav", "")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestStageURL_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer srv.Close()

	s := newStager(t, Config{MaxFileSizeBytes: 8})
	_, err := s.StageURL(context.Background(), srv.URL+"/clip.wav", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestStageURL_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := newStager(t, Config{MaxFileSizeBytes: 1024})
	_, err := s.StageURL(context.Background(), srv.URL+"/missing.wav", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestStageURL_UnknownPlatform(t *testing.T) {
	s := newStager(t, Config{MaxFileSizeBytes: 1024})
	_, err := s.StageURL(context.Background(), "https://example.com/v/1", crawler.Platform("unknown"))
	require.Error(t, err)
	assert.ErrorIs(t, err, crawler.ErrUnsupportedPlatform)
}

func TestScheduleDelete_RemovesFile(t *testing.T) {
	s := newStager(t, Config{MaxFileSizeBytes: 1024})
	path, err := s.StageUpload(context.Background(), strings.NewReader("data"), "clip.mp3")
	require.NoError(t, err)

	s.ScheduleDelete(path, time.Now())
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}

func TestReconcile_RemovesOrphansPastGrace(t *testing.T) {
	s := newStager(t, Config{MaxFileSizeBytes: 1024, GracePeriod: time.Millisecond})
	path, err := s.StageUpload(context.Background(), strings.NewReader("data"), "clip.mp3")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	removed, err := s.Reconcile(map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestReconcile_KeepsActivePaths(t *testing.T) {
	s := newStager(t, Config{MaxFileSizeBytes: 1024, GracePeriod: time.Millisecond})
	path, err := s.StageUpload(context.Background(), strings.NewReader("data"), "clip.mp3")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	removed, err := s.Reconcile(map[string]bool{path: true})
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestUniquePath_NoCollision(t *testing.T) {
	s := newStager(t, Config{MaxFileSizeBytes: 1024})
	a := s.uniquePath("clip.mp3")
	b := s.uniquePath("clip.mp3")
	assert.NotEqual(t, a, b)
	assert.Equal(t, filepath.Dir(a), s.Dir())
}
