package uds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"socquery/drivers"
	"socquery/isotp"
	"socquery/logging"
	"socquery/utils"
)

// P2* server time from ISO 14229-2: how long an ECU may take after answering response pending.
const DefaultResponsePendingTimeout = 5 * time.Second

var (
	ErrNoRequests         = errors.New("no requests to send")
	ErrNoResponse         = errors.New("no response")
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// Request is one diagnostic request and the prefix its positive response must start with.
type Request struct {
	Target         Address
	Payload        []byte
	ResponsePrefix []byte
}

// Transport sends requests and collects the responses that arrive within timeout, keyed by
// target. Each response is the data that followed the request's ResponsePrefix. It returns an
// error if any target did not answer with a matching response.
type Transport interface {
	Query(ctx context.Context, bus uint8, requests []Request, timeout time.Duration) (map[Address][]byte, error)
}

// ParallelQuery is a Transport that talks ISO-TP to every target at the same time.
type ParallelQuery struct {
	d drivers.Driver
	l *logging.Logger

	ResponsePendingTimeout time.Duration
	FrameWaitTimeout       time.Duration
	// TotalTimeout caps how long response pending answers can stretch one exchange. Zero
	// keeps every exchange within the timeout passed to Query.
	TotalTimeout time.Duration
}

var _ Transport = (*ParallelQuery)(nil)

func NewParallelQuery(d drivers.Driver, l *logging.Logger) *ParallelQuery {
	return &ParallelQuery{
		d:                      d,
		l:                      l,
		ResponsePendingTimeout: DefaultResponsePendingTimeout,
		FrameWaitTimeout:       isotp.DefaultFrameWaitTimeout,
	}
}

func (q *ParallelQuery) Query(ctx context.Context, bus uint8, requests []Request, timeout time.Duration) (map[Address][]byte, error) {
	if len(requests) == 0 {
		return nil, ErrNoRequests
	}

	// Every link subscribes before any request goes out so no answer can be missed
	links := make([]*isotp.Link, len(requests))
	for i, r := range requests {
		links[i] = isotp.NewLink(q.d, r.Target.linkConfig(bus), q.l)
		links[i].FrameWaitTimeout = q.FrameWaitTimeout
		defer links[i].Close()
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		responses = make(map[Address][]byte, len(requests))
		errs      []error
	)
	for i, r := range requests {
		wg.Add(1)
		go func(link *isotp.Link, r Request) {
			defer wg.Done()
			payload, err := q.exchange(ctx, link, r, timeout)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", r.Target, err))
				return
			}
			responses[r.Target] = payload
		}(links[i], r)
	}
	wg.Wait()

	if len(errs) > 0 {
		return responses, errors.Join(errs...)
	}
	return responses, nil
}

// exchange sends one request and waits for its positive response, returning the data after
// the response prefix.
func (q *ParallelQuery) exchange(ctx context.Context, link *isotp.Link, r Request, timeout time.Duration) ([]byte, error) {
	if len(r.Payload) == 0 {
		return nil, isotp.ErrEmptyPayload
	}
	start := time.Now()
	deadline := start.Add(timeout)
	hardDeadline := start.Add(max(timeout, q.TotalTimeout))

	sendCtx, cancel := context.WithDeadline(ctx, deadline)
	err := link.Send(sendCtx, r.Payload)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	var unexpected []byte
	for {
		recvCtx, cancel := context.WithDeadline(ctx, deadline)
		payload, err := link.Receive(recvCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				if unexpected != nil {
					return nil, fmt.Errorf("%w within %s, ignored %w: %s", ErrNoResponse, time.Since(start).Round(time.Millisecond),
						ErrUnexpectedResponse, utils.BytesToHexString(unexpected))
				}
				return nil, fmt.Errorf("%w within %s", ErrNoResponse, time.Since(start).Round(time.Millisecond))
			}
			return nil, err
		}

		msg := RawDataToMessage(r.Target.RxID(), payload)
		if msg == nil {
			continue
		}
		q.l.WriteToLog(msg.String(), logging.LogTypeCanbusLog)

		if msg.IsNegative() {
			if msg.ServiceID != r.Payload[0] {
				continue
			}
			if msg.NRC != nil && *msg.NRC == NRCRequestCorrectlyReceivedResponsePending {
				deadline = time.Now().Add(q.ResponsePendingTimeout)
				if deadline.After(hardDeadline) {
					deadline = hardDeadline
				}
				continue
			}
			return nil, msg.Err()
		}

		// Answers to other requests on the same link are not ours
		if !bytes.HasPrefix(payload, r.ResponsePrefix) {
			unexpected = payload
			continue
		}
		return payload[len(r.ResponsePrefix):], nil
	}
}
