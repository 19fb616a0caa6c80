/*
Package config loads, defaults, and validates deployment configuration.

A DeploymentConfig is a YAML document on the workstation. Load applies
conservative defaults (port 22, 120s startup deadline, 256 MiB / 0.5 CPU
caps, 10-version / 90-day retention) and rejects malformed documents with
ConfigInvalidError before any host is contacted.

Hash computes the stable hex SHA-256 over the credential-free subset of the
config (host, port, user, and auth are excluded). The hash is what makes
rendered bundles reproducible and lets the lifecycle manager detect that a
running container already matches the requested configuration.
*/
package config
