// Package metrics defines the Prometheus instruments exported by the service.
package metrics
