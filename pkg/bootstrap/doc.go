/*
Package bootstrap provisions a remote host for deployments.

A Bootstrapper probes dependencies in fixed order (shell basics, language
runtime, container runtime daemon, compose tool) and installs what is
missing through the distribution's package manager, detected once from
/etc/os-release. Probes are read-only, so re-running against a provisioned
host changes nothing. Every install is re-verified before the run moves on.

Privileged commands try passwordless sudo first and fall back to a single
password prompt; the password is cached in memory for the session only.
*/
package bootstrap
