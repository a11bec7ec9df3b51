package api

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// queueCollector scrapes broker depths and job counts on demand so the
// metrics endpoint never needs a background refresh loop.
type queueCollector struct {
	server *Server

	queueDepth  *prometheus.Desc
	jobsByState *prometheus.Desc
	activeProcs *prometheus.Desc
	workers     *prometheus.Desc
}

func newQueueCollector(server *Server) *queueCollector {
	return &queueCollector{
		server: server,
		queueDepth: prometheus.NewDesc(
			"cliparr_queue_depth",
			"Messages per stage queue, split into ready and in-flight.",
			[]string{"stage", "state"}, nil,
		),
		jobsByState: prometheus.NewDesc(
			"cliparr_jobs",
			"Processing jobs grouped by status.",
			[]string{"status"}, nil,
		),
		activeProcs: prometheus.NewDesc(
			"cliparr_active_ffmpeg_processes",
			"Live FFmpeg and fingerprint subprocesses.",
			nil, nil,
		),
		workers: prometheus.NewDesc(
			"cliparr_worker_pool_size",
			"Configured worker count per lane.",
			[]string{"lane"}, nil,
		),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.jobsByState
	ch <- c.activeProcs
	ch <- c.workers
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if depths, err := c.server.pipeline.Depths(ctx); err == nil {
		for stage, depth := range depths {
			ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue,
				float64(depth.Ready), string(stage), "ready")
			ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue,
				float64(depth.InFlight), string(stage), "inflight")
		}
	}
	if stats, err := c.server.store.JobStats(ctx); err == nil {
		for status, count := range stats {
			ch <- prometheus.MustNewConstMetric(c.jobsByState, prometheus.GaugeValue,
				float64(count), string(status))
		}
	}
	ch <- prometheus.MustNewConstMetric(c.activeProcs, prometheus.GaugeValue,
		float64(len(c.server.pipeline.Registry().Active())))
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue,
		float64(c.server.pipeline.CPUWorkers()), "cpu")
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue,
		float64(c.server.pipeline.GPUWorkers()), "gpu")
}
