/*
Package backup creates, restores, prunes, and downloads host-side backup
archives under backups/<ts>/.

Each archive is a single tar (zstd, with a gzip fallback for hosts whose
tar lacks --zstd) holding the active version directory, state.json, the
encrypted vault file, and optionally the declared data directories. The
vault ciphertext is included as-is: without the workstation key a backup
reveals no secrets, and losing the host never loses them.

A backup is a consistent snapshot with respect to container writes: the
container is quiesced before archiving and restarted after, unless the
caller opts into a hot backup. Restore keeps a one-slot undo pointer so a
failed restore reinstates the previous current/ target.
*/
package backup
