package reqresp

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/zeusync/simbridge/internal/core/protocol/envelope"
)

// Query sends one raw request to address and decodes the single response
// written before the server closes the connection.
func Query(ctx context.Context, address string, request []byte) (envelope.Envelope, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("dial %s: %w", address, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	if _, err = conn.Write(request); err != nil {
		return envelope.Envelope{}, fmt.Errorf("write request: %w", err)
	}
	body, err := io.ReadAll(conn)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("read response: %w", err)
	}
	return envelope.Decode(body)
}
