/*
Package types defines the core data model shared across botdock components.

It holds the DeploymentConfig input document, the remote directory Layout,
the host-side state.json structure, version and backup records, status
reports, and the closed error taxonomy with its exit-code mapping.

# Data model

	DeploymentConfig  input, one per deployment, read-only to the core
	Layout            <home>/deployments/<id>/ path conventions
	State             host-side state.json (single source of truth)
	VersionRecord     immutable, append-only, pruned only by retention
	BackupRecord      one per host-side archive
	StatusReport      container state + active version + last backup

# Errors

The error taxonomy is flat: one exported struct per kind, no hierarchy.
Components wrap with %w but never convert kinds; ExitCode performs the
taxonomy-to-exit-code mapping for the CLI:

	0 success        4 network
	1 generic        5 remote execution
	2 config         6 deployment busy
	3 auth           7 inconsistent state
*/
package types
