package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Relay copies bytes between local and remote in both directions until
// either side reaches EOF or fails, then closes both. Each read is at most
// chunkSize bytes; zero means DefaultChunkSize.
//
// Order within each direction is preserved. Canceling ctx closes both
// connections and Relay returns ctx.Err(). A clean close of either side
// returns nil.
func Relay(ctx context.Context, local, remote net.Conn, chunkSize int) error {
	return relay(ctx, local, remote, poolFor(chunkSize))
}

func relay(ctx context.Context, local, remote net.Conn, bufs *bufferPool) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = local.Close()
			_ = remote.Close()
		})
	}
	defer closeBoth()

	// Close both sides on cancellation to unblock the copies.
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		return copyChunked(remote, local, bufs)
	})
	g.Go(func() error {
		defer closeBoth()
		return copyChunked(local, remote, bufs)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// copyChunked hides ReaderFrom and WriterTo so every read goes through a
// pooled buffer of the configured size.
func copyChunked(dst io.Writer, src io.Reader, bufs *bufferPool) error {
	buf := bufs.Get()
	defer bufs.Put(buf)

	_, err := io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, *buf)
	if isClosed(err) {
		return nil
	}
	return err
}

func isClosed(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
