package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/segmentio/encoding/json"
	"quotefeed.com/internal/feed/source"
)

// jsonFetcher 通用 JSON provider 适配器。引擎把请求构造 / 响应解析
// 当黑盒，这里就是那个黑盒：按描述符发 HTTP 请求，响应按 JSON 解码。
//
// params 约定：
//
//	key    获取键（engine 自动注入），拼进 query
//	field  非空时从响应对象里抽这个字段返回（数值类别用，
//	       比如 field=price 从 {"price": 67000.0, ...} 里取价）
//	其余   原样透传成 query 参数
func jsonFetcher(client *http.Client) source.FetchFunc {
	return func(ctx context.Context, src source.Descriptor, params map[string]string) (any, error) {
		u, err := url.Parse(src.BaseURL)
		if err != nil {
			return nil, source.NewError(source.KindInvalidResult, src.Name, err)
		}

		field := ""
		q := u.Query()
		for k, v := range params {
			if k == "field" {
				field = v
				continue
			}
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, src.Method, u.String(), nil)
		if err != nil {
			return nil, source.NewError(source.KindTransport, src.Name, err)
		}
		for k, v := range src.Headers {
			req.Header.Set(k, v)
		}
		// credential_ref 指向环境变量名，令牌本身不进配置文件
		if src.CredentialRef != "" {
			if tok := os.Getenv(src.CredentialRef); tok != "" {
				req.Header.Set("Authorization", "Bearer "+tok)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			// 超时/连接错误交给 KindOf 归类
			return nil, err
		}
		defer resp.Body.Close()

		if err := classifyStatus(src.Name, resp.StatusCode); err != nil {
			// 排空一截让连接可复用
			_, _ = io.CopyN(io.Discard, resp.Body, 4096)
			return nil, err
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, source.NewError(source.KindTransport, src.Name, err)
		}

		var v any
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, source.NewError(source.KindInvalidResult, src.Name, err)
		}

		if field != "" {
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, source.NewError(source.KindInvalidResult, src.Name,
					fmt.Errorf("expected object to extract field %q", field))
			}
			fv, ok := obj[field]
			if !ok {
				return nil, source.NewError(source.KindInvalidResult, src.Name,
					fmt.Errorf("field %q missing in response", field))
			}
			return fv, nil
		}
		return v, nil
	}
}

// classifyStatus HTTP 状态码 → 错误分类。健康状态机按分类选冷却策略。
func classifyStatus(name string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return source.NewError(source.KindRateLimited, name, fmt.Errorf("http %d", code))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return source.NewError(source.KindAuthFailure, name, fmt.Errorf("http %d", code))
	case code >= 500:
		return source.NewError(source.KindServerError, name, fmt.Errorf("http %d", code))
	default:
		return source.NewError(source.KindInvalidResult, name, fmt.Errorf("http %d", code))
	}
}
