package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DouyinResolver resolves a Douyin share URL to its direct video
// media URL by taking the aweme id from the URL (a /video/<id> path
// segment or an aweme_id query parameter) and reading the aweme detail
// API response. The share URL itself is never fetched, so short links
// that do not carry the id are rejected.
type DouyinResolver struct {
	httpClient *http.Client
	proxyURL   string
	cookie     string
}

// DouyinOption configures a DouyinResolver.
type DouyinOption func(*DouyinResolver)

// WithDouyinProxy routes requests through the given proxy URL, as
// required for crawlers operating outside the platform's home region.
func WithDouyinProxy(proxyURL string) DouyinOption {
	return func(r *DouyinResolver) { r.proxyURL = proxyURL }
}

// WithDouyinCookie attaches a session cookie to outgoing requests.
func WithDouyinCookie(cookie string) DouyinOption {
	return func(r *DouyinResolver) { r.cookie = cookie }
}

// NewDouyinResolver builds a DouyinResolver, configuring its transport's
// proxy from WithDouyinProxy if supplied.
func NewDouyinResolver(opts ...DouyinOption) (*DouyinResolver, error) {
	r := &DouyinResolver{
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.proxyURL != "" {
		parsed, err := url.Parse(r.proxyURL)
		if err != nil {
			return nil, fmt.Errorf("crawler: douyin: parse proxy url: %w", err)
		}
		r.httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	}
	return r, nil
}

type douyinAwemeDetail struct {
	AwemeDetail struct {
		Video struct {
			PlayAddr struct {
				URLList []string `json:"url_list"`
			} `json:"play_addr"`
		} `json:"video"`
		Desc string `json:"desc"`
	} `json:"aweme_detail"`
}

// Resolve implements Resolver.
func (r *DouyinResolver) Resolve(ctx context.Context, pageURL string) (Resolution, error) {
	awemeID, err := extractAwemeID(pageURL)
	if err != nil {
		return Resolution{}, err
	}

	apiURL := fmt.Sprintf("https://www.iesdouyin.com/aweme/v1/web/aweme/detail/?aweme_id=%s", awemeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return Resolution{}, fmt.Errorf("crawler: douyin: create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	if r.cookie != "" {
		req.Header.Set("Cookie", r.cookie)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Resolution{}, fmt.Errorf("crawler: douyin: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Resolution{}, fmt.Errorf("crawler: douyin: unexpected status %d", resp.StatusCode)
	}

	var detail douyinAwemeDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return Resolution{}, fmt.Errorf("crawler: douyin: decode response: %w", err)
	}

	urls := detail.AwemeDetail.Video.PlayAddr.URLList
	if len(urls) == 0 {
		return Resolution{}, fmt.Errorf("crawler: douyin: no play address for aweme %s", awemeID)
	}

	return Resolution{
		DirectMediaURL: urls[0],
		DisplayMetadata: map[string]any{
			"aweme_id": awemeID,
			"desc":     detail.AwemeDetail.Desc,
		},
	}, nil
}

// extractAwemeID pulls the numeric aweme id out of a Douyin share URL,
// whether it is a direct /video/<id> link or a share redirect carrying
// the id as a query parameter.
func extractAwemeID(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("crawler: douyin: parse url: %w", err)
	}
	if id := u.Query().Get("aweme_id"); id != "" {
		return id, nil
	}
	segs := splitPath(u.Path)
	for i, seg := range segs {
		if seg == "video" && i+1 < len(segs) {
			return segs[i+1], nil
		}
	}
	return "", fmt.Errorf("crawler: douyin: could not extract aweme id from %q", pageURL)
}

func splitPath(p string) []string {
	var out []string
	cur := ""
	for _, c := range p {
		if c == '/' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(c)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
