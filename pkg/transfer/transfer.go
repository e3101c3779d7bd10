// Package transfer implements the throttled, cancellable byte copy
// shared by request-body ingestion and response-body emission.
package transfer

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrDisconnected reports that a copy was deliberately severed at its
// halfway point.
var ErrDisconnected = errors.New("disconnected during transfer")

// Policy bounds how fast bytes move: at most BytesPerPeriod bytes are
// copied per period, with a sleep of Period between periods.
// The zero value is unlimited.
type Policy struct {
	// BytesPerPeriod caps how many bytes move per period.
	// Zero or negative means no throttling.
	BytesPerPeriod int64

	// Period is the sleep inserted between periods of a
	// still-incomplete transfer.
	Period time.Duration
}

// Limited reports whether the policy actually throttles.
func (p Policy) Limited() bool {
	return p.BytesPerPeriod > 0
}

// Options control a single Copy call.
type Options struct {
	// Policy throttles the copy. The zero value copies at full speed.
	Policy Policy

	// DisconnectHalfway severs the transfer once half of the expected
	// bytes have moved: Close is called and Copy returns
	// ErrDisconnected with the byte count so far.
	DisconnectHalfway bool

	// Close severs the underlying socket when DisconnectHalfway fires.
	Close func() error
}

// flusher is implemented by buffered sinks. Each throttled chunk is
// flushed so it reaches the wire before the inter-period sleep.
type flusher interface {
	Flush() error
}

// Copy moves up to n bytes from src to dst under opts, returning the
// byte count moved. End-of-source before n bytes is a normal short
// transfer, not an error. The context cancels inter-period sleeps.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, n int64, opts Options) (int64, error) {
	if n <= 0 {
		return 0, nil
	}

	// The cut point is ceil(n/2), so even totals sever at exactly half.
	cutoff := n - n/2

	var moved int64
	for moved < n {
		chunk := n - moved
		if opts.Policy.Limited() {
			chunk = min(chunk, opts.Policy.BytesPerPeriod)
		}
		if opts.DisconnectHalfway {
			chunk = min(chunk, cutoff-moved)
		}

		written, err := io.CopyN(dst, src, chunk)
		moved += written
		if f, ok := dst.(flusher); ok && written > 0 {
			if ferr := f.Flush(); ferr != nil && err == nil {
				err = ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return moved, nil
			}
			return moved, err
		}

		if opts.DisconnectHalfway && moved == cutoff {
			if opts.Close != nil {
				_ = opts.Close()
			}
			return moved, ErrDisconnected
		}
		if moved == n {
			break
		}
		if opts.Policy.Limited() && opts.Policy.Period > 0 {
			if err := sleep(ctx, opts.Policy.Period); err != nil {
				return moved, err
			}
		}
	}
	return moved, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
