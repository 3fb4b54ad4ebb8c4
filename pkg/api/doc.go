/*
Package api serves the read-only status endpoint of an outpost process.

	GET /health            liveness, always 200 while serving
	GET /ready             503 until the critical components (config, readiness
	                       listener) report healthy
	GET /status            every exposure, ordered by domain
	GET /status/{domain}   one exposure, 404 when unknown
	GET /events            recent lifecycle events; ?domain= filters
	GET /metrics           Prometheus metrics

Nothing in this package changes state. Exposures are changed by editing the
configuration file.
*/
package api
