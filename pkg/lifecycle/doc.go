/*
Package lifecycle drives the remote container through its state machine
(absent, built, running, stopped) using the host's compose tool.

The compose invocation is detected once per Manager (docker CLI plugin,
then the standalone binary) and every command pins the project name to the
deployment id, so the container identity is stable across version
directories. Start and swap are health-gated: they block until the
container's health probe reports healthy or the configured deadline
elapses. A failed swap reverts the current/ symlink before surfacing the
error; the failed version directory stays on disk for inspection.
*/
package lifecycle
