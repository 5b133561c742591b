// Package metrics holds the prometheus collectors exported on the status server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TilesDecoded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slicecube_tiles_decoded_total",
			Help: "Total number of source tiles decoded",
		},
	)

	TilesDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slicecube_tiles_degraded_total",
			Help: "Total number of tile decodes that returned zero-filled data",
		},
	)

	TileCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slicecube_tile_cache_hits_total",
			Help: "Total number of tile cache hits",
		},
	)

	TileCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slicecube_tile_cache_misses_total",
			Help: "Total number of tile cache misses",
		},
	)

	TileCacheSpillHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slicecube_tile_cache_spill_hits_total",
			Help: "Total number of tile cache hits served from the compressed spill tier",
		},
	)

	TileCacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slicecube_tile_cache_bytes",
			Help: "Bytes of decoded tiles held in memory",
		},
	)

	OpenSlices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slicecube_open_slices",
			Help: "Number of slice handles currently held",
		},
	)

	SlicesConverted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slicecube_slices_converted_total",
			Help: "Total number of slices converted to tiled copies",
		},
	)

	SlicesFinished = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slicecube_slices_finished",
			Help: "Number of slices fully folded into the downsample volume",
		},
	)

	CubeJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slicecube_cube_jobs_total",
			Help: "Total number of cube jobs started, by queue",
		},
		[]string{"queue"},
	)

	CubesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slicecube_cubes_uploaded_total",
			Help: "Total number of cube artifacts uploaded",
		},
	)

	BytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slicecube_bytes_uploaded_total",
			Help: "Total number of artifact bytes uploaded",
		},
	)

	CubeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slicecube_cube_duration_seconds",
			Help:    "Time from a cube job starting to load until its upload completes",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
)
