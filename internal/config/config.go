// Package config loads all service connection settings from environment
// variables, with sane defaults for local development. No secrets are ever
// hardcoded.
package config

import "os"

type Config struct {
	// PostgreSQL — business tables and both durable queues live here.
	DatabaseURL string

	// HTTP server
	APIPort string

	// Outbound dispatcher target (the merchant platform, or the mock).
	UpstreamBaseURL string

	// Redis order read cache. Empty disables the cache.
	RedisAddr string

	// Elasticsearch search projection. Empty disables search.
	ElasticsearchURL string

	// Queue monitor schedule (cron syntax, e.g. "@every 1m").
	QueueMonitorSchedule string

	// Mock upstream simulator listen port (mock binary only).
	MockShopifyPort string

	// When set, the mock answers the first update per order with
	// 429 Retry-After: 2, for exercising the dispatcher's backoff path.
	MockFailFirst bool
}

// Load reads environment variables and returns a populated Config.
// DATABASE_URL has no usable default — main fails fast when it is unset.
func Load() *Config {
	return &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		APIPort:              getEnv("API_PORT", "4000"),
		UpstreamBaseURL:      getEnv("UPSTREAM_BASE_URL", "http://localhost:4040"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		ElasticsearchURL:     os.Getenv("ELASTICSEARCH_URL"),
		QueueMonitorSchedule: getEnv("QUEUE_MONITOR_SCHEDULE", "@every 1m"),
		MockShopifyPort:      getEnv("MOCK_SHOPIFY_PORT", "4040"),
		MockFailFirst:        os.Getenv("MOCK_FAIL_FIRST") != "",
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
