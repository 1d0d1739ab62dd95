package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"github.com/make-ware/video-ware-sub003/internal/data/repos/testutil"
	"github.com/make-ware/video-ware-sub003/internal/queue"
)

func TestHealthCheckReportsQueuesAndDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log := testutil.Logger(t)
	db := testutil.DB(t)
	q := queue.New(rdb, log)

	h := NewHealthHandler(log, db, q, nil)
	r := gin.New()
	r.GET("/healthcheck", h.HealthCheck)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status       string                       `json:"status"`
		Queues       map[string]queue.QueueCounts `json:"queues"`
		Dependencies map[string]string            `json:"dependencies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.Dependencies["redis"] != "up" || resp.Dependencies["postgres"] != "up" {
		t.Fatalf("dependencies = %v", resp.Dependencies)
	}
	if _, ok := resp.Queues["transcode"]; !ok {
		t.Fatalf("queues missing transcode: %v", resp.Queues)
	}

	// Queue backend outage takes the whole engine down.
	mr.Close()
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("outage status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "down" {
		t.Fatalf("outage status field = %q", resp.Status)
	}
}
