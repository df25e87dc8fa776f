package battery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"socquery/uds"
)

const (
	DefaultTimeout    = 100 * time.Millisecond
	DefaultMaxRetries = 10
)

// ErrUnexpectedResponders means the transport did not return exactly one response from the
// queried target.
var ErrUnexpectedResponders = errors.New("unexpected responders")

type Options struct {
	// Timeout bounds each attempt.
	Timeout time.Duration
	// MaxRetries is the number of attempts made before giving up. Values below 1 mean 1.
	MaxRetries int
}

func DefaultOptions() Options {
	return Options{Timeout: DefaultTimeout, MaxRetries: DefaultMaxRetries}
}

func (o Options) attempts() int {
	if o.MaxRetries < 1 {
		return 1
	}
	return o.MaxRetries
}

// Client reads SOC identifiers through a uds.Transport, retrying until an attempt succeeds or
// the attempts run out. Failures are only ever reported to the observer.
type Client struct {
	transport uds.Transport
	observer  Observer
	opts      Options
}

func NewClient(transport uds.Transport, observer Observer, opts Options) *Client {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Client{transport: transport, observer: observer, opts: opts}
}

// Query returns the state of charge for id as read from target on bus, and false when every
// attempt failed. Worst case it takes MaxRetries times Timeout.
func (c *Client) Query(ctx context.Context, id Identifier, target uds.Address, bus uint8) (float64, bool) {
	request := uds.Request{
		Target:         target,
		Payload:        id.Request(),
		ResponsePrefix: id.ResponsePrefix(),
	}

	attempts := c.opts.attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		soc, err := c.attempt(ctx, id, request, bus)
		if err != nil {
			c.observer.AttemptFailed(id, attempt, err)
			continue
		}
		c.observer.QuerySucceeded(id, attempt, soc)
		return soc, true
	}

	c.observer.QueryFailed(id, attempts)
	return 0, false
}

func (c *Client) attempt(ctx context.Context, id Identifier, request uds.Request, bus uint8) (float64, error) {
	responses, err := c.transport.Query(ctx, bus, []uds.Request{request}, c.opts.Timeout)
	if err != nil {
		return 0, err
	}
	payload, ok := responses[request.Target]
	if !ok || len(responses) != 1 {
		return 0, fmt.Errorf("%w: got %d responses", ErrUnexpectedResponders, len(responses))
	}
	return Decode(id, payload)
}
