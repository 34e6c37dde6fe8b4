package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/perpbridge/pkg/ratelimit"
)

// ErrNotFound 交易所对未知资源返回 404 且正文为 "Not Found"
var ErrNotFound = errors.New("Not Found")

// ErrTimeout 请求超时：交易所可能已经收到请求，结果未知
var ErrTimeout = errors.New("request timeout")

// StatusError 非 2xx 响应
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// HeaderProvider 为每个请求生成签名头
type HeaderProvider func(method, path string) (map[string]string, error)

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	UserAgent  string
	Limiter    ratelimit.RateLimiter
	Headers    HeaderProvider
}

type Client struct {
	cfg Config
	// 幂等请求（GET/DELETE）走带重试的 client，下单走不重试的 client，避免重复下单
	client  *resty.Client
	noRetry *resty.Client
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "perpbridge/1.0"
	}

	c := &Client{cfg: cfg}
	c.client = c.newResty(cfg.RetryCount)
	c.noRetry = c.newResty(0)
	return c
}

func (c *Client) newResty(retries int) *resty.Client {
	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	rc := resty.New().
		SetBaseURL(c.cfg.BaseURL).
		SetTimeout(c.cfg.Timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流优先使用 Retry-After
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 5 * time.Second, nil
			}
			return 0, nil
		}).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return resp != nil && (resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500)
		})

	if c.cfg.Headers != nil {
		provider := c.cfg.Headers
		rc.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			headers, err := provider(r.Method, r.URL)
			if err != nil {
				return errors.Wrap(err, "build auth headers")
			}
			r.SetHeaders(headers)
			return nil
		})
	}
	return rc
}

type RequestOptions struct {
	Body   any
	Params map[string]string
	// AcceptErrorBody 非 2xx 时仍把 JSON 正文解析到 out（下单接口的错误以 JSON 返回）
	AcceptErrorBody bool
}

// Do 发送请求；out 为 nil 时丢弃响应正文
func (c *Client) Do(ctx context.Context, method, path string, opt *RequestOptions, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limit wait")
		}
	}

	rc := c.client
	if method == http.MethodPost {
		rc = c.noRetry
	}
	r := rc.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", c.cfg.UserAgent)
	if opt != nil {
		if opt.Params != nil {
			r.SetQueryParams(opt.Params)
		}
		if opt.Body != nil {
			r.SetHeader("Content-Type", "application/json")
			r.SetBody(opt.Body)
		}
	}

	resp, err := r.Execute(method, path)
	if err != nil {
		if isTimeout(err) {
			return errors.Wrapf(ErrTimeout, "%s %s", method, path)
		}
		return errors.Wrapf(err, "%s %s", method, path)
	}

	body := resp.Body()
	if !resp.IsSuccess() {
		if strings.TrimSpace(string(body)) == "Not Found" {
			return errors.Wrapf(ErrNotFound, "%s %s", method, path)
		}
		if opt != nil && opt.AcceptErrorBody && out != nil {
			if jerr := decode(body, out); jerr == nil {
				return nil
			}
		}
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode(), Body: string(body)}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := decode(body, out); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, path)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsNotFound 兼容包装过的错误
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsTimeout 兼容包装过的错误
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

func decode(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(out)
}
