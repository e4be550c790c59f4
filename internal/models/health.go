package models

import "time"

// PipelineHealth is the operator view of the pipeline.
type PipelineHealth struct {
	AggregationQueueDepth int           `json:"aggregationQueueDepth"`
	IngestedBatches       uint64        `json:"ingestedBatches"`
	DuplicateBatches      uint64        `json:"duplicateBatches"`
	RejectedBatches       uint64        `json:"rejectedBatches"`
	RetriedBatches        uint64        `json:"retriedBatches"`
	RetryRate             float64       `json:"retryRate"`
	DeviceQueueDepthMax   int64         `json:"deviceQueueDepthMax"`
	LastAggregationAt     *time.Time    `json:"lastAggregationAt,omitempty"`
	LastRetentionRun      *RetentionRun `json:"lastRetentionRun,omitempty"`
	RequestsTotal         uint64        `json:"requestsTotal"`
	CacheHitRatio         float64       `json:"cacheHitRatio"`
	Goroutines            int           `json:"goroutines"`
	GeneratedAt           time.Time     `json:"generatedAt"`
}
