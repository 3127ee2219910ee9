package cluster

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// ExchangeTimeout bounds one request/reply exchange when ctx has no deadline.
const ExchangeTimeout = 10 * time.Second

// maxReply bounds the reply read back from a peer.
const maxReply = 1024

var dialer = &net.Dialer{Timeout: 5 * time.Second}

// Exchange dials addr, sends m as one frame and returns the raw reply the
// peer writes before closing its side. Canceling ctx aborts the exchange.
func Exchange(ctx context.Context, addr string, m Message) (string, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(ExchangeTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := WriteFrame(conn, m); err != nil {
		return "", fmt.Errorf("send %s to %s: %w", m.Kind(), addr, err)
	}
	reply, err := io.ReadAll(io.LimitReader(conn, maxReply))
	if err != nil {
		return "", fmt.Errorf("reply from %s: %w", addr, err)
	}
	return string(reply), nil
}

// Join registers ip with the coordinator at addr and returns the callback
// port it allocated.
func Join(ctx context.Context, addr, ip string) (int, error) {
	reply, err := Exchange(ctx, addr, JoinRequest{IP: ip})
	if err != nil {
		return 0, err
	}
	if reply == "" {
		return 0, fmt.Errorf("%w: join to %s: empty reply", ErrBrokenConnection, addr)
	}
	return ParsePort(strings.TrimSpace(reply))
}

// Start sends a start message and requires the Ack reply.
func Start(ctx context.Context, addr string, m StartRequest) error {
	return expectAck(ctx, addr, m)
}

// Submit sends a result message and requires the Ack reply.
func Submit(ctx context.Context, addr string, m ResultReport) error {
	return expectAck(ctx, addr, m)
}

func expectAck(ctx context.Context, addr string, m Message) error {
	reply, err := Exchange(ctx, addr, m)
	if err != nil {
		return err
	}
	if strings.TrimSpace(reply) != Ack {
		if reply == "" {
			return fmt.Errorf("%w: %s to %s: no acknowledgment", ErrBrokenConnection, m.Kind(), addr)
		}
		return fmt.Errorf("%w: %s to %s: unexpected reply %q", ErrProtocol, m.Kind(), addr, reply)
	}
	return nil
}
