// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/diffeo/osrm-batch-routing/registry"
)

var (
	routeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "osrm_batch",
			Name:      "route_request_seconds",
			Help:      "Wall-clock duration of individual OSRM requests",
			Buckets:   prometheus.ExponentialBuckets(math.Pow(2, -8), 2, 14),
		})

	routesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "osrm_batch",
			Name:      "routes_total",
			Help:      "OSRM requests by outcome",
		},
		[]string{"outcome"})

	jobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "osrm_batch",
			Name:      "jobs",
			Help:      "Number of retained jobs by status",
		},
		[]string{"status"})
)

func init() {
	prometheus.MustRegister(routeSeconds)
	prometheus.MustRegister(routesTotal)
	prometheus.MustRegister(jobsByStatus)
}

// observeRoute is plugged into the OSRM client and records every
// request.
func observeRoute(elapsed time.Duration, ok bool) {
	routeSeconds.Observe(elapsed.Seconds())
	outcome := "failed"
	if ok {
		outcome = "ok"
	}
	routesTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// metricsHandler exposes the prometheus registry.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}

// Observe repeatedly polls the registry's per-status job counts onto
// a prometheus GaugeVec until the context is cancelled.
func Observe(ctx context.Context, reg *registry.Registry, period time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
			for status, count := range reg.Summarize() {
				jobsByStatus.With(prometheus.Labels{
					"status": status.String(),
				}).Set(float64(count))
			}
		}
	}
}
