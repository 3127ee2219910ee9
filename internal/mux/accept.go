package mux

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/dreamware/kmelbow/internal/cluster"
)

// deadliner is implemented by *net.TCPListener and *net.UnixListener.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// AcceptStart blocks for exactly one connection on ln, which must carry a
// valid start message. The message is acknowledged and returned. Any other
// message, or a start whose range or epsilon is unusable, is ErrProtocol and
// the connection is closed without a reply.
//
// Ending ctx aborts the accept. Listeners without deadline support are closed
// in that case.
func AcceptStart(ctx context.Context, ln net.Listener) (cluster.StartRequest, error) {
	stop := context.AfterFunc(ctx, func() {
		if d, ok := ln.(deadliner); ok {
			_ = d.SetDeadline(time.Now())
			return
		}
		_ = ln.Close()
	})
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cluster.StartRequest{}, fmt.Errorf("await start: %w", ctxErr)
		}
		return cluster.StartRequest{}, fmt.Errorf("await start: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultReadTimeout)
	}
	_ = conn.SetDeadline(deadline)

	m, err := cluster.ReadMessage(conn)
	if err != nil {
		return cluster.StartRequest{}, err
	}
	start, ok := m.(cluster.StartRequest)
	if !ok {
		return cluster.StartRequest{}, fmt.Errorf("%w: expected start, got %s", cluster.ErrProtocol, m.Kind())
	}
	if err := ValidateStart(start); err != nil {
		return cluster.StartRequest{}, err
	}
	if _, err := conn.Write([]byte(cluster.Ack)); err != nil {
		return cluster.StartRequest{}, fmt.Errorf("acknowledge start: %w", err)
	}
	return start, nil
}

// ValidateStart checks the parameters a worker can act on.
func ValidateStart(m cluster.StartRequest) error {
	var result *multierror.Error
	if m.KDown < 0 || m.KUp < m.KDown {
		result = multierror.Append(result, fmt.Errorf("range [%d, %d)", m.KDown, m.KUp))
	}
	if math.IsNaN(m.Epsilon) || math.IsInf(m.Epsilon, 0) || m.Epsilon < 0 {
		result = multierror.Append(result, fmt.Errorf("epsilon %v", m.Epsilon))
	}
	if m.DatasetDir == "" {
		result = multierror.Append(result, errors.New("missing dataset locator"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: start: %w", cluster.ErrProtocol, err)
	}
	return nil
}
