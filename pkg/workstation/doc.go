/*
Package workstation owns the process-wide local state shared across
deployments: the botdock app directory, the vault encryption key file, and
the known-hosts file. It is initialized once at startup and handed to the
components that need a path or the key; nothing else opens these files.

Losing the key file loses every vault (backups store ciphertext only); this
is deliberate, so losing a host never loses the secrets.
*/
package workstation
