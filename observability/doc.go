// Package observability exports store metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	pc, _ := observability.NewPrometheusCollector(observability.WithRegisterer(reg))
//	db, _ := uppend.Open("./data", uppend.WithMetricsCollector(pc))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package observability
