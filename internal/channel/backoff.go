package channel

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Cause classifies why a connection attempt ended.
type Cause int

const (
	CauseTransport Cause = iota
	CauseServer
)

func (c Cause) String() string {
	if c == CauseServer {
		return "server"
	}
	return "transport"
}

// Policy configures reconnect spacing. Retries never stop; the ceiling bounds
// the delay, not the number of attempts.
type Policy struct {
	TransportBase time.Duration
	ServerBase    time.Duration
	Max           time.Duration
	Multiplier    float64
	Randomization float64
}

func DefaultPolicy() Policy {
	return Policy{
		TransportBase: 2 * time.Second,
		ServerBase:    time.Second,
		Max:           30 * time.Second,
		Multiplier:    2,
		Randomization: 0.5,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.TransportBase <= 0 {
		p.TransportBase = def.TransportBase
	}
	if p.ServerBase <= 0 {
		p.ServerBase = def.ServerBase
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Randomization < 0 || p.Randomization > 1 {
		p.Randomization = def.Randomization
	}
	return p
}

// retrySchedule keeps one exponential schedule per cause so server-initiated
// disconnects retry sooner than transport failures.
type retrySchedule struct {
	max       time.Duration
	transport *backoff.ExponentialBackOff
	server    *backoff.ExponentialBackOff
	attempts  int
}

func newRetrySchedule(p Policy) *retrySchedule {
	p = p.withDefaults()
	return &retrySchedule{
		max:       p.Max,
		transport: newExponential(p.TransportBase, p),
		server:    newExponential(p.ServerBase, p),
	}
}

func newExponential(initial time.Duration, p Policy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Randomization
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (r *retrySchedule) next(cause Cause) time.Duration {
	r.attempts++
	b := r.transport
	if cause == CauseServer {
		b = r.server
	}
	d := b.NextBackOff()
	// Jitter can push the randomized value past MaxInterval.
	if d > r.max || d == backoff.Stop {
		d = r.max
	}
	return d
}

func (r *retrySchedule) reset() {
	r.attempts = 0
	r.transport.Reset()
	r.server.Reset()
}
