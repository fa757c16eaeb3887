package handlers

import (
	"bytes"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"

	"roamii/internal/store"
)

const metricsNamespace = "roamii"

var (
	quotaDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quota_decisions_total",
			Help:      "Default-key quota checks by outcome.",
		},
		[]string{"outcome"},
	)
	defaultKeyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "default_key_requests_total",
			Help:      "Requests to the default-key endpoint by response status.",
		},
		[]string{"status"},
	)
	upstreamDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_duration_seconds",
			Help:      "Histogram of AI provider call durations in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
	)
	visitorsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "visitors_total",
		Help:      "Known visitors.",
	})
	visitorsActiveWeek = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "visitors_active_week",
		Help:      "Visitors with at least one default-key run this week.",
	})
	runsWeek = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "runs_week",
		Help:      "Default-key runs this week across all visitors.",
	})

	registerOnce sync.Once
)

// InitPrometheusMetrics registers the collectors with the default registry.
// It is safe to call more than once.
func InitPrometheusMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(quotaDecisions, defaultKeyRequests, upstreamDuration,
			visitorsTotal, visitorsActiveWeek, runsWeek)
	})
}

// PublishSummary copies an aggregate summary into the visitor gauges.
func PublishSummary(sum store.Summary) {
	visitorsTotal.Set(float64(sum.TotalVisitors))
	visitorsActiveWeek.Set(float64(sum.ActiveThisWeek))
	runsWeek.Set(float64(sum.RunsThisWeek))
}

// MetricsHandler serves this service's metric families in the Prometheus
// text format. Families of other collectors in the default registry are
// left out.
func MetricsHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		metricFamilies, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetBodyString("failed to gather metrics")
			return
		}

		filtered := make([]*dto.MetricFamily, 0, len(metricFamilies))
		for _, mf := range metricFamilies {
			if strings.HasPrefix(mf.GetName(), metricsNamespace+"_") {
				filtered = append(filtered, mf)
			}
		}

		var buf bytes.Buffer
		encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
		for _, mf := range filtered {
			if err := encoder.Encode(mf); err != nil {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("failed to encode metrics")
				return
			}
		}

		ctx.SetContentType(string(expfmt.FmtText))
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}
