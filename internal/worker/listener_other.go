//go:build !unix

package worker

import (
	"context"
	"net"
)

// Listen binds a plain TCP listener. Port sharing is unavailable here, so
// only a single worker can bind a given address.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
