package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// TikTokResolver resolves a TikTok share URL to its direct media URL
// via the platform's oEmbed-adjacent public video detail endpoint.
type TikTokResolver struct {
	httpClient *http.Client
	proxyURL   string
	cookie     string
}

// TikTokOption configures a TikTokResolver.
type TikTokOption func(*TikTokResolver)

// WithTikTokProxy routes requests through the given proxy URL.
func WithTikTokProxy(proxyURL string) TikTokOption {
	return func(r *TikTokResolver) { r.proxyURL = proxyURL }
}

// WithTikTokCookie attaches a session cookie to outgoing requests.
func WithTikTokCookie(cookie string) TikTokOption {
	return func(r *TikTokResolver) { r.cookie = cookie }
}

// NewTikTokResolver builds a TikTokResolver.
func NewTikTokResolver(opts ...TikTokOption) (*TikTokResolver, error) {
	r := &TikTokResolver{
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.proxyURL != "" {
		parsed, err := url.Parse(r.proxyURL)
		if err != nil {
			return nil, fmt.Errorf("crawler: tiktok: parse proxy url: %w", err)
		}
		r.httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	}
	return r, nil
}

type tiktokItemDetail struct {
	ItemInfo struct {
		ItemStruct struct {
			Video struct {
				PlayAddr string `json:"playAddr"`
			} `json:"video"`
			Desc string `json:"desc"`
		} `json:"itemStruct"`
	} `json:"itemInfo"`
}

// Resolve implements Resolver.
func (r *TikTokResolver) Resolve(ctx context.Context, pageURL string) (Resolution, error) {
	videoID, err := extractTikTokVideoID(pageURL)
	if err != nil {
		return Resolution{}, err
	}

	apiURL := fmt.Sprintf("https://www.tiktok.com/api/item/detail/?itemId=%s", videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return Resolution{}, fmt.Errorf("crawler: tiktok: create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	if r.cookie != "" {
		req.Header.Set("Cookie", r.cookie)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Resolution{}, fmt.Errorf("crawler: tiktok: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Resolution{}, fmt.Errorf("crawler: tiktok: unexpected status %d", resp.StatusCode)
	}

	var detail tiktokItemDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return Resolution{}, fmt.Errorf("crawler: tiktok: decode response: %w", err)
	}

	playAddr := detail.ItemInfo.ItemStruct.Video.PlayAddr
	if playAddr == "" {
		return Resolution{}, fmt.Errorf("crawler: tiktok: no play address for item %s", videoID)
	}

	return Resolution{
		DirectMediaURL: playAddr,
		DisplayMetadata: map[string]any{
			"item_id": videoID,
			"desc":    detail.ItemInfo.ItemStruct.Desc,
		},
	}, nil
}

// extractTikTokVideoID pulls the numeric item id out of a canonical
// tiktok.com/@user/video/<id> URL.
func extractTikTokVideoID(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("crawler: tiktok: parse url: %w", err)
	}
	segs := splitPath(u.Path)
	for i, seg := range segs {
		if seg == "video" && i+1 < len(segs) {
			return segs[i+1], nil
		}
	}
	return "", fmt.Errorf("crawler: tiktok: could not extract video id from %q", pageURL)
}
