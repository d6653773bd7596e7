package cdpdom

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/mailrig/mailrig/xhrproxy"
)

// BindWrappers routes the page's XHR and fetch traffic through the
// wrapper chain, using the browser's fetch interception domain instead
// of a page-world proxy object. Chain semantics match xhrproxy: locked
// relevance per request, registration-order rewrites, fault isolation.
// Call once, before the traffic of interest starts; in-flight requests
// are not touched.
func (s *Session) BindWrappers(chain []*xhrproxy.Wrapper, onError func(error)) error {
	if s.hijack != nil {
		return fmt.Errorf("cdpdom: wrappers already bound")
	}
	if onError == nil {
		onError = func(err error) {
			s.logger.Error("xhrproxy: wrapper fault", "err", err)
		}
	}
	hj := &hijacker{
		rw: &xhrproxy.Rewriter{
			Wrappers: chain,
			LogError: onError,
			Logger:   s.logger,
		},
		pageID: s.cfg.PageID,
		client: http.DefaultClient,
		logger: s.logger,
	}
	router := s.page.HijackRequests()
	if err := router.Add("*", "", hj.handle); err != nil {
		return fmt.Errorf("cdpdom: add hijack route: %w", err)
	}
	go router.Run()
	hj.router = router
	s.hijack = hj

	s.logger.Info("cdpdom: network wrappers bound",
		"page", s.cfg.PageID, "wrappers", len(chain))
	return nil
}

// hijacker owns one page's fetch interception route and the wrapper
// chain it feeds.
type hijacker struct {
	router *rod.HijackRouter
	rw     *xhrproxy.Rewriter
	pageID string
	client *http.Client
	logger *slog.Logger
	seq    atomic.Int64
}

func (h *hijacker) handle(hj *rod.Hijack) {
	t := hj.Request.Type()
	if t != proto.NetworkResourceTypeXHR && t != proto.NetworkResourceTypeFetch {
		hj.ContinueRequest(&proto.FetchContinueRequest{})
		return
	}

	info := xhrproxy.ConnectionInfo{
		ID:     fmt.Sprintf("%s-net-%d", h.pageID, h.seq.Add(1)),
		Method: hj.Request.Method(),
		URL:    hj.Request.URL().String(),
		Async:  true,
	}
	selected := h.rw.Select(info)
	if len(selected) == 0 {
		hj.ContinueRequest(&proto.FetchContinueRequest{})
		return
	}

	ctx := hj.Request.Req().Context()
	tuple := xhrproxy.Request{Method: info.Method, URL: info.URL, Body: hj.Request.Body()}
	tuple = h.rw.RewriteRequest(ctx, selected, info, tuple)
	h.applyRequest(hj, tuple)
	h.rw.NotifySend(selected, info, tuple.Body)

	if err := hj.LoadResponse(h.client, true); err != nil {
		h.logger.Warn("cdpdom: proxied request failed",
			"conn", info.ID, "url", tuple.URL, "err", err)
		hj.Response.Fail(proto.NetworkErrorReasonConnectionFailed)
		return
	}

	original := hj.Response.Body()
	final := h.rw.RewriteResponse(ctx, selected, info, original)
	if final != original {
		hj.Response.SetBody(final)
	}
}

// applyRequest pushes the rewritten tuple onto the request LoadResponse
// will issue. An unparseable rewritten URL keeps the original target.
func (h *hijacker) applyRequest(hj *rod.Hijack, tuple xhrproxy.Request) {
	r := hj.Request.Req()
	r.Method = tuple.Method
	if u, err := url.Parse(tuple.URL); err == nil {
		r.URL = u
		r.Host = u.Host
	} else {
		h.logger.Warn("cdpdom: rewritten url unparseable, keeping original",
			"conn", hj.Request.URL().String(), "err", err)
	}
	hj.Request.SetBody(tuple.Body)
}

func (h *hijacker) stop() {
	if err := h.router.Stop(); err != nil {
		h.logger.Debug("cdpdom: hijack stop", "err", err)
	}
}
