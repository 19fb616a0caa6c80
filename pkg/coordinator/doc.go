/*
Package coordinator is the top-level orchestrator composing sessions,
bootstrap, recipes, the vault, versions, backups, and the container
lifecycle into the public deployment operations: init, up, update,
rollback, status, down, backup, restore, and recover.

Every operation opens its own session and, when it mutates the host, takes
a deployment-scoped lock next to state.json (a token file created under
flock); concurrent operations against the same deployment fail fast with
DeploymentBusy. No mutation happens until every pre-flight check passes:
config validity, vault integrity, host prerequisites. Transient network
failures during connect are retried with 1s/2s/4s backoff.

state.json on the host is the single source of truth. An operation
cancelled mid-mutation that cannot unwind marks the deployment
inconsistent; further mutations refuse until Recover rewrites the state
from the observed container.
*/
package coordinator
