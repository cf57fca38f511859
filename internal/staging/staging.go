// Package staging implements C2: bounded-size acquisition of media bytes
// from upload or URL into a local staging path, with scheduled deletion
// and crash-safe reconciliation. The streaming/size-cap shape is grounded
// on the teacher's internal/storage (LocalStorage.SaveTemp); unique
// per-file tokens use github.com/google/uuid per §5's collision-avoidance
// requirement.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maauso/asr-gateway/internal/crawler"
)

// Static errors for staging operations.
var (
	// ErrFileTooLarge is returned when a stream exceeds the configured cap.
	ErrFileTooLarge = errors.New("staging: file exceeds max size")
	// ErrDisallowedExtension is returned when a declared filename's
	// extension is outside the allowed set.
	ErrDisallowedExtension = errors.New("staging: file extension not allowed")
	// ErrDownloadFailed wraps any non-2xx or transport failure from
	// stage_url's chunked download.
	ErrDownloadFailed = errors.New("staging: download failed")
)

// Config parameterizes a Stager.
type Config struct {
	Dir                 string
	MaxFileSizeBytes    int64
	AllowedExtensions   map[string]bool // empty means no restriction (§4.2)
	MaxConcurrentStages int
	HTTPClient          *http.Client
	GracePeriod         time.Duration // reconciliation grace period (§5)
}

// Stager implements C2 against a local staging directory.
type Stager struct {
	cfg      Config
	crawlers *crawler.Registry
	sem      chan struct{}
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time // path -> delete-at, for ScheduleDelete bookkeeping
}

// New constructs a Stager. The directory is created if it doesn't exist.
func New(cfg Config, crawlers *crawler.Registry, logger *slog.Logger) (*Stager, error) {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "asr-gateway-staging")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("staging: create dir: %w", err)
	}
	if cfg.MaxConcurrentStages <= 0 {
		cfg.MaxConcurrentStages = 4
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 0} // no client timeout; a download is bounded by ctx
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{
		cfg:      cfg,
		crawlers: crawlers,
		sem:      make(chan struct{}, cfg.MaxConcurrentStages),
		logger:   logger,
		pending:  make(map[string]time.Time),
	}, nil
}

// Dir returns the staging directory.
func (s *Stager) Dir() string { return s.cfg.Dir }

func (s *Stager) checkExtension(name string) error {
	if len(s.cfg.AllowedExtensions) == 0 {
		return nil
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if !s.cfg.AllowedExtensions[ext] {
		return fmt.Errorf("%w: %q", ErrDisallowedExtension, ext)
	}
	return nil
}

func (s *Stager) uniquePath(declaredName string) string {
	token := uuid.NewString()
	ext := filepath.Ext(declaredName)
	base := strings.TrimSuffix(filepath.Base(declaredName), ext)
	if base == "" {
		base = "upload"
	}
	return filepath.Join(s.cfg.Dir, fmt.Sprintf("%s-%s%s", token, base, ext))
}

// StageUpload streams byteStream to a uniquely named file under the
// staging directory, rejecting once bytes exceed MaxFileSizeBytes and
// rejecting names whose extension is outside AllowedExtensions (§4.2).
func (s *Stager) StageUpload(ctx context.Context, byteStream io.Reader, declaredName string) (string, error) {
	if err := s.checkExtension(declaredName); err != nil {
		return "", err
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	path := s.uniquePath(declaredName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("staging: create staged file: %w", err)
	}

	limit := s.cfg.MaxFileSizeBytes
	limited := io.LimitReader(byteStream, limit+1)
	n, err := io.Copy(f, limited)
	closeErr := f.Close()
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("staging: write staged file: %w", err)
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("staging: close staged file: %w", closeErr)
	}
	if n > limit {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: %d bytes", ErrFileTooLarge, n)
	}

	return path, nil
}

// StageURL resolves platform (if non-empty) via the crawler registry to a
// direct media URL, then performs a chunked HTTP download into the
// staging directory honoring the same size cap. Fully buffering the
// response body is forbidden by §4.2; io.Copy with a LimitReader streams
// it straight to disk.
func (s *Stager) StageURL(ctx context.Context, rawURL string, platform crawler.Platform) (string, error) {
	targetURL := rawURL
	if platform != "" {
		res, err := s.crawlers.Resolve(ctx, platform, rawURL)
		if err != nil {
			return "", err
		}
		targetURL = res.DirectMediaURL
	}

	if _, err := url.ParseRequestURI(targetURL); err != nil {
		return "", fmt.Errorf("staging: invalid media url: %w", err)
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return "", fmt.Errorf("staging: build download request: %w", err)
	}

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)
	}

	name := filepath.Base(targetURL)
	if idx := strings.IndexAny(name, "?#"); idx >= 0 {
		name = name[:idx]
	}
	path := s.uniquePath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("staging: create staged file: %w", err)
	}

	limit := s.cfg.MaxFileSizeBytes
	limited := io.LimitReader(resp.Body, limit+1)
	n, err := io.Copy(f, limited)
	closeErr := f.Close()
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("staging: close staged file: %w", closeErr)
	}
	if n > limit {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: %d bytes", ErrFileTooLarge, n)
	}

	return path, nil
}

// ScheduleDelete registers path for deletion at `when`. It is safe to
// call with a `when` in the past, which deletes promptly.
func (s *Stager) ScheduleDelete(path string, when time.Time) {
	s.mu.Lock()
	s.pending[path] = when
	s.mu.Unlock()

	delay := time.Until(when)
	if delay < 0 {
		delay = 0
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		<-timer.C
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("staging: scheduled delete failed",
				slog.String("path", path), slog.String("error", err.Error()))
		}
		s.mu.Lock()
		delete(s.pending, path)
		s.mu.Unlock()
	}()
}

// Reconcile scans the staging directory and deletes files with no
// corresponding active job, except those newer than GracePeriod, per §5's
// crash-recovery requirement: "scan the staging directory and delete
// orphan files whose corresponding job is absent or terminal."
// activePaths is the set of local_path values for jobs still queued or
// processing.
func (s *Stager) Reconcile(activePaths map[string]bool) (int, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("staging: read staging dir: %w", err)
	}

	cutoff := time.Now().Add(-s.cfg.GracePeriod)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.cfg.Dir, entry.Name())
		if activePaths[path] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("staging: reconcile delete failed",
				slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	return removed, nil
}
