package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/matst80/portmux/internal/channel"
	"github.com/matst80/portmux/internal/obs"
	"github.com/matst80/portmux/internal/proto"
)

// handleRequest answers exactly one RESPONSE for m.
func (a *Agent) handleRequest(ctx context.Context, out channel.Sender, m *proto.HTTPMessage) {
	start := time.Now()
	resp := a.roundTrip(ctx, m)
	if b, err := proto.Encode(resp); err == nil && int64(len(b)) > a.frameLimit() {
		obs.ErrorsTotal.WithLabelValues("response_too_large").Inc()
		obs.Warn("agent.response.too_large", obs.Fields{"id": m.ID, "size": sizestr.ToString(int64(len(b)))})
		resp = proto.NewErrorResponse(m.ID, fmt.Errorf("response envelope of %s exceeds the channel frame limit", sizestr.ToString(int64(len(b)))))
	}
	if err := out.Send(resp); err != nil {
		obs.Error("agent.response.send", obs.Fields{"id": m.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("response_send").Inc()
		return
	}
	obs.Debug("agent.request", obs.Fields{
		"id":     m.ID,
		"method": m.Method,
		"path":   m.Path,
		"status": resp.Status,
		"ms":     time.Since(start).Milliseconds(),
	})
}

func (a *Agent) roundTrip(ctx context.Context, m *proto.HTTPMessage) *proto.HTTPMessage {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	req, err := a.buildRequest(ctx, m)
	if err != nil {
		obs.UpstreamRequestsTotal.WithLabelValues("error").Inc()
		return proto.NewErrorResponse(m.ID, err)
	}
	res, err := a.client.Do(req)
	if err != nil {
		obs.UpstreamRequestsTotal.WithLabelValues("error").Inc()
		obs.Debug("agent.upstream", obs.Fields{"id": m.ID, "err": err.Error()})
		return proto.NewErrorResponse(m.ID, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, a.cfg.MaxBodyBytes+1))
	if err != nil {
		obs.UpstreamRequestsTotal.WithLabelValues("error").Inc()
		return proto.NewErrorResponse(m.ID, err)
	}
	if int64(len(body)) > a.cfg.MaxBodyBytes {
		obs.UpstreamRequestsTotal.WithLabelValues("error").Inc()
		return proto.NewErrorResponse(m.ID, fmt.Errorf("response body exceeds %d bytes", a.cfg.MaxBodyBytes))
	}
	obs.UpstreamRequestsTotal.WithLabelValues(statusClass(res.StatusCode)).Inc()
	return proto.NewResponse(m.ID, res.StatusCode, map[string][]string(res.Header.Clone()), body)
}

func (a *Agent) buildRequest(ctx context.Context, m *proto.HTTPMessage) (*http.Request, error) {
	method := m.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	switch {
	case len(m.Body) > 0:
		body = bytes.NewReader(m.Body)
	case methodSupportsBody(method):
		// present but empty, so the target sees Content-Length: 0
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, a.localURL(a.cfg.LocalScheme, m.Path, m.Query), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range m.Headers {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if m.BodyContentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", m.BodyContentType)
	}
	return req, nil
}

func methodSupportsBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	}
	return "1xx"
}

// localURL joins the local target with path and query.
func (a *Agent) localURL(scheme, path, query string) string {
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := scheme + "://" + a.cfg.LocalAddr() + path
	if query != "" {
		u += "?" + query
	}
	return u
}
