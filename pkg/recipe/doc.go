/*
Package recipe renders the container artifacts for one deployment version:
a Dockerfile, a compose document, the entrypoint script, and an operator
Makefile.

Rendering is pure. The output bytes are a function of (config, version id,
template set) and nothing else; environment variables of the calling
process never reach a template. The compose document carries the config
hash and version id as labels, which is how the lifecycle manager detects
an already-running container with matching configuration.

Template sets are selected by runtime family (python, node, go); a runtime
id outside those families is a configuration error.
*/
package recipe
