/*
Package metrics defines the Prometheus instrumentation for coordinator
operations, remote command execution, transfers, builds, and backups.

Metrics are package-level collectors registered at init. Handler exposes
them over HTTP for workstations that want to scrape long-running
operations; nothing is exported unless the CLI serves the handler.
*/
package metrics
