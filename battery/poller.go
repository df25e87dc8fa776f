package battery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"socquery/uds"
)

// Reading is the outcome of one query. Available is false when every attempt failed, in which
// case SOC carries no information.
type Reading struct {
	Identifier Identifier
	SOC        float64
	Available  bool
	At         time.Time
}

func (r Reading) String() string {
	if !r.Available {
		return fmt.Sprintf("%s: unavailable", r.Identifier)
	}
	return fmt.Sprintf("%s: %.1f%%", r.Identifier, r.SOC)
}

// Poller queries a fixed set of identifiers from one target. Polls from several goroutines run
// one after the other.
type Poller struct {
	mu          sync.Mutex
	client      *Client
	target      uds.Address
	bus         uint8
	identifiers []Identifier

	now func() time.Time
}

// NewPoller polls every identifier when none are given.
func NewPoller(client *Client, target uds.Address, bus uint8, identifiers ...Identifier) *Poller {
	if len(identifiers) == 0 {
		identifiers = Identifiers()
	}
	return &Poller{
		client:      client,
		target:      target,
		bus:         bus,
		identifiers: identifiers,
		now:         time.Now,
	}
}

// Poll queries each identifier once, in order.
func (p *Poller) Poll(ctx context.Context) []Reading {
	p.mu.Lock()
	defer p.mu.Unlock()

	readings := make([]Reading, 0, len(p.identifiers))
	for _, id := range p.identifiers {
		soc, ok := p.client.Query(ctx, id, p.target, p.bus)
		readings = append(readings, Reading{Identifier: id, SOC: soc, Available: ok, At: p.now()})
	}
	return readings
}

// Run polls immediately and then every interval until ctx is done, passing each reading to fn.
func (p *Poller) Run(ctx context.Context, interval time.Duration, fn func(Reading)) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, r := range p.Poll(ctx) {
			fn(r)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
