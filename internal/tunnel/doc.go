// Package tunnel drives the lifecycle of a single SSH local forward.
//
// A Manager owns the persisted Config, the live SSH session and the
// loopback Forwarder built on top of it. Callers only Connect, Disconnect
// and observe Status; every state change and handle replacement happens
// under the Manager's lock.
package tunnel
