package models

import (
	"time"
)

// MetricPoint is one time-series sample for a (metric_name, system_id)
// pair. Points are held in bounded ring buffers by the analytics engine.
type MetricPoint struct {
	MetricName string    `json:"metric_name"`
	SystemID   string    `json:"system_id"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
}

// TrendDirection classifies a fitted slope.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// TrendResult is the outcome of a least-squares trend fit over a window.
type TrendResult struct {
	MetricName string         `json:"metric_name"`
	SystemID   string         `json:"system_id"`
	Direction  TrendDirection `json:"direction"`
	Slope      float64        `json:"slope"`
	// Strength is the r² of the fit, in [0,1].
	Strength      float64 `json:"strength"`
	PercentChange float64 `json:"percent_change"`
	SampleCount   int     `json:"sample_count"`
}

// Anomaly marks one sample whose deviation from the window mean exceeded
// the configured number of standard deviations.
type Anomaly struct {
	Index      int       `json:"index"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
	Mean       float64   `json:"mean"`
	StdDev     float64   `json:"std_dev"`
	Deviations float64   `json:"deviations"`
}

// Correlation reports a significant Pearson correlation between two
// systems' aligned series for the same metric.
type Correlation struct {
	MetricName string  `json:"metric_name"`
	SystemA    string  `json:"system_a"`
	SystemB    string  `json:"system_b"`
	R          float64 `json:"r"`
	PValue     float64 `json:"p_value"`
	Buckets    int     `json:"buckets"`
}
