package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/platform/envutil"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
	"github.com/make-ware/video-ware-sub003/internal/queue"
	"github.com/make-ware/video-ware-sub003/internal/storage"
)

const probeTimeout = 2 * time.Second

type HealthHandler struct {
	log   *logger.Logger
	db    *gorm.DB
	q     *queue.FlowQueue
	store *storage.Store
}

func NewHealthHandler(log *logger.Logger, db *gorm.DB, q *queue.FlowQueue, store *storage.Store) *HealthHandler {
	return &HealthHandler{log: log.With("handler", "Health"), db: db, q: q, store: store}
}

// HealthCheck probes every dependency in parallel and reports per-queue
// depth. The engine is down without its queue backend or its store; a blob
// outage or an unreadable queue count only degrades it.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	deps := map[string]string{}
	queues := map[string]queue.QueueCounts{}
	var countErred bool
	var mu sync.Mutex
	setDep := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			deps[name] = "down"
			if h.log != nil {
				h.log.Warn("healthcheck probe failed", "dependency", name, "error", err)
			}
			return
		}
		deps[name] = "up"
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		setDep("postgres", h.pingDB(gctx))
		return nil
	})
	g.Go(func() error {
		err := h.q.Ping(gctx)
		setDep("redis", err)
		if err != nil {
			return nil
		}
		for _, name := range flow.QueueNames() {
			counts, cErr := h.q.Counts(gctx, name)
			if cErr != nil {
				mu.Lock()
				countErred = true
				mu.Unlock()
				continue
			}
			mu.Lock()
			queues[name] = counts
			mu.Unlock()
		}
		return nil
	})
	if h.store != nil {
		g.Go(func() error {
			_, err := h.store.Exists(gctx, ".healthcheck")
			setDep("storage", err)
			return nil
		})
	}
	for name, url := range downstreamStubs() {
		g.Go(func() error {
			setDep(name, probeURL(gctx, url))
			return nil
		})
	}
	_ = g.Wait()

	status := "ok"
	for name, state := range deps {
		if state != "down" {
			continue
		}
		if name == "redis" || name == "postgres" {
			status = "down"
			break
		}
		status = "degraded"
	}
	if status == "ok" && countErred {
		status = "degraded"
	}
	httpStatus := http.StatusOK
	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"queues":       queues,
		"dependencies": deps,
	})
}

// downstreamStubs parses HEALTH_DEPENDENCIES, a comma list of name=url pairs
// probed alongside the core backends. A stub down degrades but never downs.
func downstreamStubs() map[string]string {
	raw := envutil.Str("HEALTH_DEPENDENCIES", "")
	if raw == "" {
		return nil
	}
	stubs := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		name, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || url == "" {
			continue
		}
		stubs[name] = url
	}
	return stubs
}

func probeURL(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

func (h *HealthHandler) pingDB(ctx context.Context) error {
	if h.db == nil {
		return nil
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
