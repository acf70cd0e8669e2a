// Package metrics defines the Prometheus collectors used by MarkScan.
package metrics

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Datastore operation label values.
const (
	OpInsert = "insert"
	OpList   = "list"
	OpGet    = "get"
	OpUpdate = "update"
	OpStats  = "stats"
)

// Histogram bucket configuration.
const (
	// BucketStart1ms starts 1ms exponential histograms.
	BucketStart1ms = 0.001
	// BucketStart100us starts 0.1ms exponential histograms.
	BucketStart100us = 0.0001
	// BucketStart1KB starts byte size histograms.
	BucketStart1KB = 1024.0
	// BucketStart1 starts count histograms.
	BucketStart1 = 1.0

	BucketFactor2 = 2
	BucketFactor4 = 4

	BucketCount8  = 8
	BucketCount10 = 10
	BucketCount12 = 12
	BucketCount15 = 15
)
