/*
Package vault implements the at-rest encrypted secret store.

Each deployment has one vault file under ~/.botdock/vaults/, holding a
versioned binary header followed by length-prefixed entries of
{name, nonce, ciphertext||tag, created_at, updated_at}. Entries are sealed
with AES-256-GCM using the workstation key; the secret name and format
version form the associated data, so swapping two entries' names on disk
fails authentication for both.

Plaintext never persists locally. Materialize decrypts the secrets a config
requires and writes them as a sorted NAME=value env file on the host (mode
0600), replacing the previous file with a temp-then-rename so the container
never observes a partial file.

Mutations take a file lock, so parallel deployments sharing a vault are
serialized on the workstation.
*/
package vault
