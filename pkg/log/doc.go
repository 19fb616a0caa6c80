/*
Package log provides structured logging for botdock using zerolog.

Init configures the global logger once at process start (console writer by
default, JSON when requested). Packages derive child loggers through
WithComponent, WithDeployment, and WithHost so every line carries enough
context to attribute it to one deployment operation.
*/
package log
