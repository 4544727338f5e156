// Package api hosts the operational HTTP endpoint of the ingestion binary.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /summary for the last finished run.
//   - GET /v1/sources for the merged sources and their plans.
package api
