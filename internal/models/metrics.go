package models

import "time"

// SystemMetrics is a lightweight JSON view over the Prometheus collectors.
type SystemMetrics struct {
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	DBQueryCount             uint64    `json:"db_query_count"`
	AverageDBQueryDurationMs float64   `json:"average_db_query_duration_ms"`
	GenerationsTotal         uint64    `json:"generations_total"`
	GenerationsFailed        uint64    `json:"generations_failed"`
	AverageGenerationMs      float64   `json:"average_generation_ms"`
	PublishedSections        int64     `json:"published_sections"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}
