package httpx

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func serve(t *testing.T, h fasthttp.RequestHandler) *fasthttputil.InmemoryListener {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, h) }()
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func dialer(ln *fasthttputil.InmemoryListener) fasthttp.DialFunc {
	return func(string) (net.Conn, error) { return ln.Dial() }
}

func TestDoJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ln := serve(t, func(ctx *fasthttp.RequestCtx) {
		if calls.Add(1) < 3 {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		if string(ctx.Request.Header.Peek("X-Token")) != "abc" {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"echo":` + string(ctx.PostBody()) + `}`)
	})

	c := NewClient("test", "http://svc.local/", WithDial(dialer(ln)),
		WithHeaderProvider(func() map[string]string { return map[string]string{"X-Token": "abc", "X-Empty": ""} }))

	var out struct {
		Echo map[string]int `json:"echo"`
	}
	if err := c.DoJSON(context.Background(), fasthttp.MethodPost, "/x", map[string]int{"n": 7}, &out, true); err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if out.Echo["n"] != 7 {
		t.Fatalf("unexpected body %+v", out)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	ln := serve(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		ctx.SetBodyString("no such user")
	})
	c := NewClient("test", "http://svc.local", WithDial(dialer(ln)))

	_, err := c.Do(context.Background(), Call{Method: fasthttp.MethodGet, Path: "/missing", Retry: true})
	if !IsStatus(err, fasthttp.StatusNotFound) {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestDoHonoursContextDeadline(t *testing.T) {
	ln := serve(t, func(ctx *fasthttp.RequestCtx) {
		time.Sleep(500 * time.Millisecond)
	})
	c := NewClient("test", "http://svc.local", WithDial(dialer(ln)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := c.Do(ctx, Call{Method: fasthttp.MethodGet, Path: "/slow"}); err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Fatalf("deadline was not applied")
	}
}

func TestBackoffDuration(t *testing.T) {
	if backoffDuration(0) != 100*time.Millisecond || backoffDuration(3) != 400*time.Millisecond {
		t.Fatalf("unexpected backoff")
	}
	if backoffDuration(10) != backoffDuration(6) {
		t.Fatalf("backoff must cap at attempt 6")
	}
}
