// Package forward implements the local side of an SSH local forward.
//
// A [Forwarder] owns a loopback-only TCP listener. Every accepted connection
// is paired with one freshly opened remote channel and bytes are relayed in
// both directions until either end closes, at which point both are closed.
// Relay pairs are independent: they share nothing but the channel opener.
package forward
