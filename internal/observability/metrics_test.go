package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/coloc/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("relay-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordShareAttempt("localized", 40*time.Millisecond)
	RecordFlow("auto", true)
	RecordDroppedReply()
	RecordDirectoryMutation("add_anchor")
	RecordRelayFrame("session", "forwarded")
	SetRelaySessions(3)

	if got := testutil.ToFloat64(relaySessions); got != 3 {
		t.Fatalf("relay sessions gauge got=%v", got)
	}
	before := testutil.ToFloat64(flows.WithLabelValues("create", "failed"))
	RecordFlow("create", false)
	if got := testutil.ToFloat64(flows.WithLabelValues("create", "failed")); got != before+1 {
		t.Fatalf("flow counter got=%v want=%v", got, before+1)
	}
}

func TestInitTracingExportsSpans(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: true, ServiceName: "coloc-test", Out: &buf})
	if err != nil {
		t.Fatalf("init tracing: %v", err)
	}
	_, span := Tracer("observability-test").Start(context.Background(), "colocation.attempt")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "colocation.attempt") {
		t.Fatalf("span not exported: %q", buf.String())
	}
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	testlog.Start(t)
	shutdown, err := InitTracing(context.Background(), TracingConfig{})
	if err != nil {
		t.Fatalf("init tracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestAdminMiddlewareAssignsRequestIDAndCounts(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.Use(RequestID(), AccessLog("mw-test", log.Logger))
	g.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	counter := httpRequests.WithLabelValues("mw-test", "GET", "/ping", "200")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status got=%d", rec.Code)
	}
	if id := rec.Header().Get(RequestIDHeader); len(id) != 36 {
		t.Fatalf("generated request id got=%q", id)
	}
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("request counter got=%v want=%v", got, before+1)
	}

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set(RequestIDHeader, "caller-7")
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) != "caller-7" {
		t.Fatalf("caller request id not echoed: %q", rec.Header().Get(RequestIDHeader))
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("mw-test", "GET", "unmatched", "404")); got < 1 {
		t.Fatalf("unmatched counter got=%v", got)
	}
}
