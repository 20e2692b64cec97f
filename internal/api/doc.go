// Package api hosts the worker's operational HTTP surface. Routes:
//   - GET /healthz and /readyz for Kubernetes probes. readyz pings the
//     filing store and reports 503 once shutdown has begun.
//   - GET /metrics for Prometheus scraping.
//   - GET /debug/pool, /debug/throttle and /debug/summary for operators.
package api
