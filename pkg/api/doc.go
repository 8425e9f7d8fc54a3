/*
Package api serves the control plane's operational endpoints.

HTTP (health.http_addr, default :9090):

	/health   component health from the metrics registry
	/ready    critical components registered and healthy, raft leader known
	/live     process liveness
	/jobs     per-job last success and staleness, 503 when a job is stale
	/metrics  Prometheus exposition

gRPC (health.grpc_addr, default :9091) exposes the standard
grpc.health.v1.Health service. The empty service name follows readiness and
every scheduled job is a service of its own name, SERVING while the job keeps
reporting success within its staleness window. Job health is pushed into the
gRPC service on Start and every five seconds after.

Only GET is accepted on the HTTP endpoints.
*/
package api
