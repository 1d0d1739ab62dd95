package app

import (
	"strings"

	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/platform/envutil"
)

// Config is the wiring-level configuration: addresses, identity, and worker
// concurrency. Component-level knobs (poll intervals, debounce, retry
// thresholds) are read by their components via envutil so tests can override
// them per package.
type Config struct {
	Env     string
	Version string

	HTTPAddr    string
	MetricsAddr string

	// WorkerConcurrency maps queue name to worker goroutine count.
	WorkerConcurrency map[string]int
}

func LoadConfig() Config {
	base := envutil.IntClamped("WORKER_CONCURRENCY", 4, 1, 64)
	concurrency := map[string]int{}
	for _, queueName := range flow.QueueNames() {
		key := "WORKER_CONCURRENCY_" + strings.ToUpper(queueName)
		concurrency[queueName] = envutil.IntClamped(key, base, 1, 64)
	}

	return Config{
		Env:               envutil.Str("APP_ENV", "development"),
		Version:           envutil.Str("APP_VERSION", "dev"),
		HTTPAddr:          ":" + envutil.Str("PORT", "8080"),
		MetricsAddr:       envutil.Str("METRICS_ADDR", ""),
		WorkerConcurrency: concurrency,
	}
}
