// Package observability wires the ambient concerns: the logrus
// application logger, Prometheus metrics, the storage/broker health
// watchdog backing the admin info endpoint, and graceful shutdown.
package observability
