package forward

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/die-net/sshforward/internal/tunnelerr"
)

// LoopbackHost is the only address the forwarder ever binds or reports.
const LoopbackHost = "127.0.0.1"

// Listen binds 127.0.0.1:port with SO_REUSEADDR and applies ka to accepted
// connections. Port 0 picks a free port.
func Listen(ctx context.Context, port int, ka net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl, KeepAliveConfig: ka}

	addr := net.JoinHostPort(LoopbackHost, strconv.Itoa(port))
	ln, err := lc.Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, tunnelerr.New(tunnelerr.ListenerFailed, fmt.Sprintf("listen %s", addr), err)
	}
	return ln, nil
}
