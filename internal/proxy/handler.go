package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/server"
)

// Dispatcher receives fetch events; *offline.Worker implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev offline.Event) offline.FetchResult
	Version() string
}

// Handler 将入站请求翻译为 FetchEvent 交给 Worker，并把决策结果写回客户端。
// PassThrough 时直接回源，相当于浏览器默认网络处理。
type Handler struct {
	client     *http.Client
	logger     *logrus.Logger
	dispatcher Dispatcher
	origin     *url.URL
}

// NewHandler constructs a proxy handler bound to one origin.
func NewHandler(client *http.Client, logger *logrus.Logger, dispatcher Dispatcher, origin *url.URL) (*Handler, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if origin == nil || origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	return &Handler{
		client:     client,
		logger:     logger,
		dispatcher: dispatcher,
		origin:     origin,
	}, nil
}

// Handle 构造回源请求、分发 fetch 事件并输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildUpstreamRequest(ctx, c)
	if err != nil {
		h.logResult(c.Method(), c.OriginalURL(), false, requestID, "", fiber.StatusBadRequest, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result := h.dispatcher.Dispatch(ctx, offline.FetchEvent{Request: req})
	switch result.Decision {
	case offline.DecisionRespond:
		status, err := h.writeResponse(c, result.Response, result.Source)
		h.logResult(req.Method, req.URL.String(), offline.IsNavigation(req), requestID, result.Source, status, started, err)
		return err
	case offline.DecisionFailed:
		h.logResult(req.Method, req.URL.String(), offline.IsNavigation(req), requestID, "", fiber.StatusGatewayTimeout, started, result.Err)
		return h.writeError(c, fiber.StatusGatewayTimeout, "offline_unavailable")
	default:
		resp, err := h.client.Do(req)
		if err != nil {
			h.logResult(req.Method, req.URL.String(), offline.IsNavigation(req), requestID, "", fiber.StatusBadGateway, started, err)
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
		status, err := h.writeResponse(c, resp, "")
		h.logResult(req.Method, req.URL.String(), offline.IsNavigation(req), requestID, "", status, started, err)
		return err
	}
}

func (h *Handler) buildUpstreamRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	upstream := resolveUpstreamURL(h.origin, c)

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	return req, nil
}

// writeResponse 写回状态、头与正文；source 非空时标注响应来源与缓存版本。
func (h *Handler) writeResponse(c fiber.Ctx, resp *http.Response, source offline.Source) (int, error) {
	if resp == nil {
		return fiber.StatusBadGateway, h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	if source != "" {
		c.Set("X-Offline-Source", string(source))
		c.Set("X-Offline-Version", h.dispatcher.Version())
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		return resp.StatusCode, nil
	}
	if _, err := io.Copy(c.Response().BodyWriter(), resp.Body); err != nil {
		return resp.StatusCode, fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return resp.StatusCode, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(method, target string, navigation bool, requestID string, source offline.Source, status int, started time.Time, err error) {
	decision := "pass_through"
	if source != "" {
		decision = offline.DecisionRespond.String()
	}
	fields := logging.FetchFields(method, target, navigation, string(source))
	fields["action"] = "proxy"
	fields["decision"] = decision
	fields["status"] = status
	fields["cache_version"] = h.dispatcher.Version()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if status == fiber.StatusGatewayTimeout && source == "" && err != nil {
		fields["decision"] = offline.DecisionFailed.String()
		h.logger.WithFields(fields).Warn("proxy_offline_unavailable")
		return
	}
	if err != nil {
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	p := string(uri.Path())
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	relative := &url.URL{Path: p}
	if q := uri.QueryString(); len(q) > 0 {
		relative.RawQuery = string(q)
	}
	return base.ResolveReference(relative)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 跳过 hop-by-hop 字段与 Content-Length，长度由 fiber 按实际正文计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if cache.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
