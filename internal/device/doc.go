// Package device holds the domain model shared by every layer of the BLE client:
// peripherals and their advertisement state, canonical attribute identities, the
// closed error taxonomy, and the Radio/Link collaborator interfaces that a
// concrete transport (see the go-ble adapter) implements.
//
// Nothing in this package blocks or spawns goroutines. The session layer owns all
// sequencing; this package only describes what flows through it.
package device
