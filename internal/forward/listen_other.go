//go:build !unix

package forward

import "syscall"

// The platform default is used where x/sys/unix is unavailable.
var reuseAddrControl func(network, address string, c syscall.RawConn) error
