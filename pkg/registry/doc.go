// Package registry keeps a local bbolt index of deployments this
// workstation manages, updated after every successful coordinator
// operation. It exists so `botdock list` works offline; the host-side
// state.json remains authoritative.
package registry
