package crawler

import (
	"context"
	"errors"
	"testing"
)

type stubResolver struct {
	res Resolution
	err error
}

func (s stubResolver) Resolve(ctx context.Context, pageURL string) (Resolution, error) {
	return s.res, s.err
}

func TestRegistry_ResolveDispatchesToPlatform(t *testing.T) {
	r := NewRegistry()
	r.Register(PlatformDouyin, stubResolver{res: Resolution{DirectMediaURL: "https://cdn.example/d.mp4"}})
	r.Register(PlatformTikTok, stubResolver{res: Resolution{DirectMediaURL: "https://cdn.example/t.mp4"}})

	res, err := r.Resolve(context.Background(), PlatformDouyin, "https://douyin.com/video/123")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.DirectMediaURL != "https://cdn.example/d.mp4" {
		t.Errorf("expected douyin resolver to be used, got %q", res.DirectMediaURL)
	}
}

func TestRegistry_ResolveUnsupportedPlatform(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve(context.Background(), Platform("unknown"), "https://example.com/x")
	if !errors.Is(err, ErrUnsupportedPlatform) {
		t.Errorf("expected ErrUnsupportedPlatform, got %v", err)
	}
}

func TestRegistry_ResolveWrapsAdapterFailure(t *testing.T) {
	r := NewRegistry()
	r.Register(PlatformTikTok, stubResolver{err: errors.New("boom")})

	_, err := r.Resolve(context.Background(), PlatformTikTok, "https://tiktok.com/@a/video/1")
	if !errors.Is(err, ErrResolveFailed) {
		t.Errorf("expected ErrResolveFailed, got %v", err)
	}
}

func TestExtractAwemeID(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.douyin.com/video/7123456789012345678", "7123456789012345678"},
		{"https://v.douyin.com/share?aweme_id=999", "999"},
	}
	for _, tt := range tests {
		got, err := extractAwemeID(tt.url)
		if err != nil {
			t.Fatalf("extractAwemeID(%q): %v", tt.url, err)
		}
		if got != tt.want {
			t.Errorf("extractAwemeID(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestExtractTikTokVideoID(t *testing.T) {
	got, err := extractTikTokVideoID("https://www.tiktok.com/@someuser/video/7234567890123456789")
	if err != nil {
		t.Fatalf("extractTikTokVideoID: %v", err)
	}
	if got != "7234567890123456789" {
		t.Errorf("extractTikTokVideoID = %q, want 7234567890123456789", got)
	}
}
