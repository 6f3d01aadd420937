package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

type EventsCfg struct {
	Enabled bool
	Brokers []string
	Topic   string
	Queue   int
}

// EditsCfg enables the layer edit consumer; it shares the event brokers.
type EditsCfg struct {
	Enabled bool
	Topic   string
	GroupID string
}

type Config struct {
	Addr           string
	LogLevel       string
	LogConsole     bool
	LogSampleN     int
	MetricsEnabled bool

	CatalogPath    string
	RedisAddr      string
	FilterStateTTL time.Duration
	H3Res          int
	Events         EventsCfg
	Edits          EditsCfg

	Workers        int
	QueueSize      int
	RequestTimeout time.Duration
	RetryMax       int
	RetryInterval  time.Duration

	UseArtifacts    bool
	ArtifactSchema  string
	IDSetInlineMax  int
	IDSetChunk      int
	IDSetMinRun     int
	BufferSegments  int
	LiteralMaxBytes int
	HintCacheSize   int
	// per-layer forced dialects applied when a request names none
	BackendOverrides map[string]model.Dialect
}

func FromEnv() Config {
	res := getint("H3_RES", 8)
	if res < 0 || res > 15 {
		res = 8
	}
	return Config{
		Addr:           getenv("ADDR", ":8090"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogConsole:     getbool("LOG_CONSOLE", false),
		LogSampleN:     getint("LOG_SAMPLE_N", 0),
		MetricsEnabled: getbool("METRICS_ENABLED", true),

		CatalogPath:    getenv("CATALOG_PATH", "catalog.yaml"),
		RedisAddr:      getenv("REDIS_ADDR", ""),
		FilterStateTTL: getduration("FILTER_STATE_TTL", 0),
		H3Res:          res,
		Events: EventsCfg{
			Enabled: getbool("EVENTS_ENABLED", false),
			Brokers: splitList(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("RESULTS_TOPIC", "filter-results"),
			Queue:   getint("EVENTS_QUEUE", 1024),
		},
		Edits: EditsCfg{
			Enabled: getbool("EDITS_ENABLED", false),
			Topic:   getenv("EDITS_TOPIC", "layer-edits"),
			GroupID: getenv("EDITS_GROUP_ID", "geofilter"),
		},

		Workers:        getint("WORKERS", 8),
		QueueSize:      getint("QUEUE_SIZE", 64),
		RequestTimeout: getduration("REQUEST_TIMEOUT", 2*time.Minute),
		RetryMax:       getint("RETRY_MAX", 3),
		RetryInterval:  getduration("RETRY_INTERVAL", 500*time.Millisecond),

		UseArtifacts:     getbool("USE_ARTIFACTS", true),
		ArtifactSchema:   getenv("ARTIFACT_SCHEMA", "public"),
		IDSetInlineMax:   getint("IDSET_INLINE_MAX", 500),
		IDSetChunk:       getint("IDSET_CHUNK", 1000),
		IDSetMinRun:      getint("IDSET_MIN_RUN", 10),
		BufferSegments:   getint("BUFFER_SEGMENTS", model.DefaultBufferSegments),
		LiteralMaxBytes:  getint("LITERAL_MAX_BYTES", 256<<10),
		HintCacheSize:    getint("HINT_CACHE_SIZE", 1024),
		BackendOverrides: parseDialectMap(getenv("BACKEND_OVERRIDES", "")),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parse "roads=postgresql,stops=ogr" into map; unknown dialects are dropped
func parseDialectMap(s string) map[string]model.Dialect {
	out := map[string]model.Dialect{}
	for p := range strings.SplitSeq(strings.TrimSpace(s), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		if d, err := model.ParseDialect(v); err == nil {
			out[k] = d
		}
	}
	return out
}
