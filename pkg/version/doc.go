/*
Package version manages the append-only deployment version history stored
under versions/ on the host.

Version ids are ULIDs minted with monotonic entropy, so "newer" is a plain
lexicographic comparison and "previous" is well-defined without timestamp
parsing. Each versions/<id>/ directory is self-contained: the rendered
bundle plus a version.json record (created_at, source revision, image
digest, config hash).

Retention prunes versions that exceed the configured count AND age; the
active version and its predecessor are always retained so a single-step
rollback target survives any retention pass.
*/
package version
