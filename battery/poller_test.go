package battery

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socquery/logging"
	"socquery/uds"
)

// routedTransport answers BMS requests and never the display identifier.
type routedTransport struct{}

func (routedTransport) Query(_ context.Context, _ uint8, requests []uds.Request, _ time.Duration) (map[uds.Address][]byte, error) {
	if bytes.Equal(requests[0].Payload, IdentifierBMS.Request()) {
		return map[uds.Address][]byte{target: bmsPayload(0x90)}, nil
	}
	return nil, uds.ErrNoResponse
}

func TestPollerPoll(t *testing.T) {
	client := NewClient(routedTransport{}, nil, Options{Timeout: time.Millisecond, MaxRetries: 2})
	p := NewPoller(client, target, 0)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	readings := p.Poll(context.Background())
	require.Equal(t, []Reading{
		{Identifier: IdentifierBMS, SOC: 72, Available: true, At: at},
		{Identifier: IdentifierDisplay, Available: false, At: at},
	}, readings)
	require.Equal(t, "bms(0x0101): 72.0%", readings[0].String())
	require.Equal(t, "display(0x0105): unavailable", readings[1].String())
}

// overlapTransport records whether two queries were ever in flight at once.
type overlapTransport struct {
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (o *overlapTransport) Query(_ context.Context, _ uint8, requests []uds.Request, _ time.Duration) (map[uds.Address][]byte, error) {
	if o.inFlight.Add(1) > 1 {
		o.overlap.Store(true)
	}
	defer o.inFlight.Add(-1)
	time.Sleep(5 * time.Millisecond)
	if bytes.Equal(requests[0].Payload, IdentifierBMS.Request()) {
		return map[uds.Address][]byte{target: bmsPayload(0x90)}, nil
	}
	return map[uds.Address][]byte{target: displayPayload(0x90)}, nil
}

func TestPollerSerialisesConcurrentPolls(t *testing.T) {
	transport := &overlapTransport{}
	p := NewPoller(NewClient(transport, nil, DefaultOptions()), target, 0)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, r := range p.Poll(context.Background()) {
				assert.True(t, r.Available)
			}
		}()
	}
	wg.Wait()
	require.False(t, transport.overlap.Load())
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	client := NewClient(routedTransport{}, nil, Options{Timeout: time.Millisecond, MaxRetries: 1})
	p := NewPoller(client, target, 0, IdentifierBMS)

	ctx, cancel := context.WithCancel(context.Background())
	var readings []Reading
	err := p.Run(ctx, time.Millisecond, func(r Reading) {
		readings = append(readings, r)
		if len(readings) == 3 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, readings, 3)
	for _, r := range readings {
		require.True(t, r.Available)
		require.Equal(t, 72.0, r.SOC)
	}
}

func TestPollerRunRejectsZeroInterval(t *testing.T) {
	p := NewPoller(NewClient(routedTransport{}, nil, DefaultOptions()), target, 0)
	require.Error(t, p.Run(context.Background(), 0, func(Reading) {}))
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(logging.Config{JSON: true, Out: &buf})
	obs := NewLogObserver(l)

	obs.AttemptFailed(IdentifierBMS, 3, uds.ErrNoResponse)
	require.Contains(t, buf.String(), `"level":"warn"`)
	require.Contains(t, buf.String(), `"attempt":3`)
	require.Contains(t, buf.String(), `"identifier":"bms(0x0101)"`)
	require.Contains(t, buf.String(), `"error":"no response"`)

	buf.Reset()
	obs.QueryFailed(IdentifierDisplay, 10)
	require.Contains(t, buf.String(), `"level":"error"`)
	require.Contains(t, buf.String(), `"attempts":10`)

	buf.Reset()
	obs.QuerySucceeded(IdentifierBMS, 1, 85.5)
	require.Contains(t, buf.String(), `"soc":85.5`)
}
