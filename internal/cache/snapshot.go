package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tunabay/go-infounit"
)

// ErrTooLarge 表示响应正文超过快照上限，调用方应放弃缓存但继续使用原响应。
var ErrTooLarge = errors.New("response body exceeds snapshot limit")

// hopByHopHeaders 定义 RFC 7230 中不应持久化或透传的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// Classify derives the fetch response type: a response whose final URL left
// the request's origin is cors (or opaque for no-cors requests).
func Classify(req *http.Request, resp *http.Response) ResponseType {
	if resp == nil || req == nil || req.URL == nil {
		return TypeError
	}
	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	if sameOrigin(req.URL, final) {
		return TypeBasic
	}
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "no-cors") {
		return TypeOpaque
	}
	return TypeCORS
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// Snapshot 读取响应正文并生成不可变快照，同时将 resp.Body 替换为等价的新 Reader，
// 使调用方仍可把原响应交给页面（相当于 response.clone()）。
// limit 为 0 表示不限制；超出上限时返回 ErrTooLarge，resp.Body 保持完整可读。
func Snapshot(req *http.Request, resp *http.Response, limit infounit.ByteCount) (*Response, error) {
	if resp == nil {
		return nil, errors.New("nil response")
	}

	var body []byte
	if resp.Body != nil {
		reader := io.Reader(resp.Body)
		if limit > 0 {
			reader = io.LimitReader(resp.Body, int64(limit)+1)
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(data), resp.Body), Closer: resp.Body}
			return nil, fmt.Errorf("read response body: %w", err)
		}
		if limit > 0 && uint64(len(data)) > uint64(limit) {
			resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(data), resp.Body), Closer: resp.Body}
			return nil, ErrTooLarge
		}
		_ = resp.Body.Close()
		body = data
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	snap := snapshotHead(req, resp)
	snap.Body = body
	snap.StoredAt = time.Now().UTC()
	return &snap, nil
}

// snapshotHead 生成不含正文的快照头部：状态、可持久化的头、响应类型与最终 URL。
func snapshotHead(req *http.Request, resp *http.Response) Response {
	finalURL := ""
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	} else if req != nil && req.URL != nil {
		finalURL = req.URL.String()
	}
	return Response{
		Status: resp.StatusCode,
		Header: persistableHeader(resp.Header),
		Type:   Classify(req, resp),
		URL:    finalURL,
	}
}

// HTTPResponse 将快照还原为可直接写回客户端的 *http.Response。
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// Size returns the snapshot body size.
func (r *Response) Size() infounit.ByteCount {
	return infounit.ByteCount(len(r.Body))
}

func persistableHeader(src http.Header) http.Header {
	dst := http.Header{}
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
	return dst
}

type readCloser struct {
	io.Reader
	io.Closer
}
