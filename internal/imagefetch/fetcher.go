// Package imagefetch 负责加载证书模板的背景图。
package imagefetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultMaxBytes 是背景图下载的默认大小上限。
	DefaultMaxBytes int64 = 20 << 20
	// DefaultMaxPixels 是解码前按图片头部尺寸检查的像素上限。
	DefaultMaxPixels int64 = 50_000_000
)

var (
	// ErrUnsupportedRef 表示引用不是 http/https 地址。
	ErrUnsupportedRef = errors.New("unsupported background reference")
	// ErrTooLarge 表示响应体或图片尺寸超过上限。
	ErrTooLarge = errors.New("background image too large")
	// ErrBlockedAddress 表示目标解析到回环、内网或链路本地地址。
	ErrBlockedAddress = errors.New("background host resolves to a blocked address")
	// ErrDecode 表示图片数据无法解码，重试没有意义。
	ErrDecode = errors.New("decode background image")
)

// StatusError 表示对端返回了非 2xx 状态码。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Options 配置 Fetcher。
type Options struct {
	RetryMax  int
	MaxBytes  int64
	MaxPixels int64
	// AllowPrivate 关闭内网地址拦截，仅用于本地开发和测试。
	AllowPrivate bool
	// HTTPClient 可选，测试时注入 httptest 客户端；注入后不做地址拦截。
	HTTPClient *http.Client
}

// Fetcher 通过 HTTP 下载并解码背景图。不设内部超时，由调用方 ctx 控制。
type Fetcher struct {
	client    *retryablehttp.Client
	maxBytes  int64
	maxPixels int64
}

// NewFetcher 创建 Fetcher。
func NewFetcher(opts Options) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	if client.RetryMax < 0 {
		client.RetryMax = 0
	}
	client.Logger = nil
	client.CheckRetry = checkRetry
	switch {
	case opts.HTTPClient != nil:
		client.HTTPClient = opts.HTTPClient
	case !opts.AllowPrivate:
		client.HTTPClient = guardedClient()
	}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{client: client, maxBytes: maxBytes, maxPixels: opts.MaxPixels}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if errors.Is(err, ErrBlockedAddress) {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// guardedClient 在拨号阶段检查解析后的地址，重定向和 DNS 重绑定同样受限。
func guardedClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   denyPrivate,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport}
}

func denyPrivate(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || blockedAddr(addr) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	return nil
}

func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		cgnat.Contains(addr)
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// Load 下载 ref 指向的图片并解码。
func (f *Fetcher) Load(ctx context.Context, ref string) (image.Image, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: u.Redacted(), StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, f.maxBytes)
	}
	return DecodeLimit(data, f.maxPixels)
}

// Decode 按默认像素上限解码 PNG/JPEG/WebP/GIF 图片数据。
func Decode(data []byte) (image.Image, error) {
	return DecodeLimit(data, DefaultMaxPixels)
}

// DecodeLimit 先读取图片头部尺寸，超过 maxPixels 时返回 ErrTooLarge 而不分配像素缓冲。
// maxPixels <= 0 时使用 DefaultMaxPixels。
func DecodeLimit(data []byte, maxPixels int64) (image.Image, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return img, nil
}

// FileLoader 从本地文件加载背景图，仅供命令行工具使用。
// Path 非空时忽略模板中的引用。
type FileLoader struct {
	Path string
}

// Load 读取本地图片。
func (l FileLoader) Load(_ context.Context, ref string) (image.Image, error) {
	path := l.Path
	if path == "" {
		path = ref
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read background %q: %w", path, err)
	}
	return Decode(data)
}
