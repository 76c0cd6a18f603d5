package election

import (
	"time"

	"github.com/cenkalti/backoff"
)

// defaultRetryInterval is the Connector's default constant backoff,
// per spec.md §4.7: "Backoff: a constant interval (default 5s) between
// attempts."
const defaultRetryInterval = 5 * time.Second

// PolicyFactory builds a fresh backoff.BackOff for one endpoint. A
// backoff.BackOff carries mutable attempt-count state, so each endpoint
// gets its own instance rather than sharing one across the Connector.
type PolicyFactory func() backoff.BackOff

// ConstantPolicy returns a PolicyFactory producing a fixed-interval
// backoff, the Connector's default.
func ConstantPolicy(interval time.Duration) PolicyFactory {
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(interval)
	}
}

// ExponentialPolicy returns a PolicyFactory producing exponential backoff
// with no elapsed-time cap, so a Connector never gives up on an endpoint
// that still has a PeerTable entry. Spec.md §4.7 calls this out
// explicitly: "The design admits replacing the policy with exponential
// backoff without affecting the Supervisor."
func ExponentialPolicy() PolicyFactory {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		return b
	}
}

// nextDelay returns the policy's next backoff delay, substituting
// defaultRetryInterval if the policy reports backoff.Stop (which a
// Connector endpoint must never honor: the PeerTable entry persisting is
// itself the signal to keep retrying).
func nextDelay(p backoff.BackOff) time.Duration {
	d := p.NextBackOff()
	if d == backoff.Stop {
		return defaultRetryInterval
	}
	return d
}
