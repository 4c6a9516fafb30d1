package scanning

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"
)

const udpReadBufferSize = 1024

// probe attempts a single connection to addr over the configured transport
// and classifies the response. It never panics across the attempt boundary;
// every failure mode maps to an Outcome.
func probe(ctx context.Context, transport Transport, addr string, timeout time.Duration) Outcome {
	switch transport {
	case TransportUDP:
		return probeUDP(ctx, addr, timeout)
	default:
		return probeTCP(ctx, addr, timeout)
	}
}

// probeTCP performs a full connect handshake. An established connection
// means open; refusal or reset means closed; silence means timeout, which
// the caller may retry.
func probeTCP(ctx context.Context, addr string, timeout time.Duration) Outcome {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyDialError(err)
	}
	_ = conn.Close()
	return OutcomeOpen
}

// probeUDP sends an empty datagram and waits for any response. An ICMP
// port-unreachable surfaces as a connection-refused error on the read and
// means closed. Any payload, or no signal at all, counts as open: UDP has
// no positive acknowledgment, so the absence of a negative signal is
// treated optimistically. This is a documented false-positive risk of the
// protocol, not something the engine can fix.
func probeUDP(ctx context.Context, addr string, timeout time.Duration) Outcome {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return classifyDialError(err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return OutcomeClosedOrFiltered
	}

	if _, err := conn.Write([]byte{}); err != nil {
		if isRefused(err) {
			return OutcomeClosedOrFiltered
		}
		return OutcomeOpen
	}

	buf := make([]byte, udpReadBufferSize)
	_, err = conn.Read(buf)
	switch {
	case err == nil:
		return OutcomeOpen
	case isRefused(err):
		return OutcomeClosedOrFiltered
	default:
		// Read deadline elapsed with no negative signal.
		return OutcomeOpen
	}
}

// classifyDialError maps a dial failure onto the outcome taxonomy. Local
// resource exhaustion is kept distinct from network outcomes because it
// indicates the batch size is too large for the host, not that the port is
// closed.
func classifyDialError(err error) Outcome {
	if isResourceExhaustion(err) {
		return OutcomeResourceExhausted
	}
	if isTimeout(err) {
		return outcomeTimeout
	}
	return OutcomeClosedOrFiltered
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// isResourceExhaustion detects descriptor or ephemeral-port depletion.
// The string check catches wrapped platform errors that do not expose a
// syscall errno.
func isResourceExhaustion(err error) bool {
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.EADDRNOTAVAIL) || errors.Is(err, syscall.ENOBUFS) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "too many open files") ||
		strings.Contains(msg, "no buffer space available")
}
