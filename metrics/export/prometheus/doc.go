// Package prometheus provides a Prometheus text exporter for engine metrics.
//
// [NewPrometheusExporter] accepts a [gatekey.Engine] and exposes an [http.Handler]
// that renders all counters and histograms in Prometheus text exposition format.
// Counter names are prefixed gatekey_*_total; the single histogram is
// gatekey_signin_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry — callers mount the Handler.
//   - Mutate engine state.
package prometheus
