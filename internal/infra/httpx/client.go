package httpx

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"
)

// maxBody 限制单个响应体大小，避免异常页面撑爆内存。
const maxBody = 16 << 20

// Options 是 Client 的网络策略（由 config.EffectiveConfig 映射而来）。
type Options struct {
	ProxyURL      string
	Concurrency   int           // 同时在途的请求上限（计数信号量容量）
	Timeout       time.Duration // 单次调用超时（含排队后的整个请求）
	RetryMax      int
	RatePerSecond float64 // 0 表示不限速

	// Observe 在每次请求结束后回调（用于 metrics）；可为 nil。
	Observe func(op string, status int, d time.Duration, err error)
}

// Request 是一次上游调用。Form 非空时以 application/x-www-form-urlencoded 发送。
type Request struct {
	Op     string // 仅用于观测："search" / "movie" / "season" / "stream"
	Method string
	URL    string
	Header http.Header
	Form   url.Values
}

// Response 是已经读取并解压完毕的响应。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// FinalURL 是跟随重定向后的最终地址。
	FinalURL string
}

// Client 在 *http.Client 之上加了并发闸门、单次超时与可选限速。
//
// 约束：
// - Do 在拿到槽位前阻塞，ctx 取消立即返回
// - 非 2xx 不是 error：由调用方按站点语义判断
// - 超时一律以 error 返回（调用方据此归类为上游失败）
type Client struct {
	hc      *http.Client
	sem     chan struct{}
	limiter *rate.Limiter
	timeout time.Duration
	observe func(op string, status int, d time.Duration, err error)
}

// New 按 Options 构造 Client。
func New(opts Options) (*Client, error) {
	hc, err := NewHTTPClient(opts.ProxyURL, opts.Timeout, opts.RetryMax)
	if err != nil {
		return nil, err
	}
	return NewWithHTTPClient(hc, opts), nil
}

// NewWithHTTPClient 使用外部提供的 *http.Client（测试里用 httptest 的 client）。
func NewWithHTTPClient(hc *http.Client, opts Options) *Client {
	n := opts.Concurrency
	if n < 1 {
		n = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		hc:      hc,
		sem:     make(chan struct{}, n),
		timeout: timeout,
		observe: opts.Observe,
	}
	if opts.RatePerSecond > 0 {
		burst := int(opts.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return c
}

// acquire 占用一个槽位；返回的 release 必须调用。
func (c *Client) acquire(ctx context.Context) (func(), error) {
	select {
	case c.sem <- struct{}{}:
		return func() { <-c.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight 返回当前占用的槽位数。
func (c *Client) InFlight() int { return len(c.sem) }

// Do 发送请求并读取完整响应体。
func (c *Client) Do(ctx context.Context, r Request) (resp Response, err error) {
	if c == nil || c.hc == nil {
		return Response{}, errors.New("http client 不能为空")
	}
	if strings.TrimSpace(r.URL) == "" {
		return Response{}, errors.New("url 不能为空")
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return Response{}, err
	}
	defer release()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if c.observe != nil {
			c.observe(r.Op, resp.Status, time.Since(start), err)
		}
	}()

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if r.Form != nil {
		body = strings.NewReader(r.Form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return Response{}, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.Form != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}

	hr, err := c.hc.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer hr.Body.Close()

	b, err := readBody(hr)
	if err != nil {
		return Response{Status: hr.StatusCode}, fmt.Errorf("读取响应失败：%w", err)
	}
	resp = Response{
		Status: hr.StatusCode,
		Header: hr.Header,
		Body:   b,
	}
	if hr.Request != nil && hr.Request.URL != nil {
		resp.FinalURL = hr.Request.URL.String()
	}
	return resp, nil
}

// readBody 按 Content-Encoding 解压。
// 手动设置 Accept-Encoding 后 net/http 不再自动解 gzip，这里统一处理。
func readBody(hr *http.Response) ([]byte, error) {
	var rd io.Reader = hr.Body
	switch strings.ToLower(strings.TrimSpace(hr.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "br":
		rd = brotli.NewReader(hr.Body)
	case "gzip":
		zr, err := gzip.NewReader(hr.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		rd = zr
	case "deflate":
		fr := flate.NewReader(hr.Body)
		defer fr.Close()
		rd = fr
	default:
		return nil, fmt.Errorf("不支持的 Content-Encoding：%s", hr.Header.Get("Content-Encoding"))
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(rd, maxBody+1))
	if err != nil {
		return nil, err
	}
	if n > maxBody {
		return nil, fmt.Errorf("响应体超过 %d 字节", maxBody)
	}
	return buf.Bytes(), nil
}

// IsTimeout 判断 err 是否为超时（单次调用超时或底层网络超时）。
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
