/*
Package session provides the authenticated remote channel to a deployment
host: shell command execution plus SFTP file transfer over one multiplexed
SSH connection.

A Session is opened per coordinator operation and closed on every exit path.
Command execution carries a soft timeout (60s by default, extendable per
call); transfers have no timeout but stream in fixed-size chunks and report
progress through an optional hook.

Host keys are verified against a known-hosts file under the botdock app
directory. The first contact pins the key and logs its fingerprint; any
later mismatch fails before a single remote command runs.

Failure surface: AuthError (bad credentials or key mismatch), NetworkError
(transport, retried by the coordinator), RemoteExecError (non-zero exit,
never retried).
*/
package session
