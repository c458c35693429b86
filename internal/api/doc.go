// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/reports to submit a report.
//   - GET /v1/reports/{id}, /replies and /activity for the owner's read models.
//   - POST /v1/evaluations for results coming back from the evaluation task;
//     only callers holding the evaluator role may post.
package api
