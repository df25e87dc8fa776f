package isotp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"socquery/canbus"
	"socquery/drivers"
	"socquery/logging"
)

const (
	testerID uint16 = 0x7E4
	ecuID    uint16 = 0x7EC
)

func newPair(t *testing.T, extended bool) (*drivers.VirtualDriver, *Link, *Link) {
	t.Helper()
	d := drivers.NewVirtualDriver(t.Name(), logging.Nop())
	tester := NewLink(d, LinkConfig{TxID: testerID, RxID: ecuID, Extended: extended, SubAddr: 0x11}, logging.Nop())
	ecu := NewLink(d, LinkConfig{TxID: ecuID, RxID: testerID, Extended: extended, SubAddr: 0x11}, logging.Nop())
	t.Cleanup(func() {
		tester.Close()
		ecu.Close()
		d.Cleanup()
	})
	return d, tester, ecu
}

func payloadOf(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i)
	}
	return p
}

func receiveAsync(ctx context.Context, k *Link) <-chan []byte {
	out := make(chan []byte, 1)
	go func() {
		data, err := k.Receive(ctx)
		if err != nil {
			out <- nil
			return
		}
		out <- data
	}()
	return out
}

func TestSingleFrameRoundTrip(t *testing.T) {
	_, tester, ecu := newPair(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got := receiveAsync(ctx, ecu)
	require.NoError(t, tester.Send(ctx, []byte{0x22, 0x01, 0x01}))
	require.Equal(t, []byte{0x22, 0x01, 0x01}, <-got)
}

func TestMultiFrameRoundTrip(t *testing.T) {
	for _, extended := range []bool{false, true} {
		t.Run(map[bool]string{false: "normal", true: "extended"}[extended], func(t *testing.T) {
			_, tester, ecu := newPair(t, extended)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			payload := payloadOf(62)
			got := receiveAsync(ctx, tester)
			require.NoError(t, ecu.Send(ctx, payload))
			require.Equal(t, payload, <-got)
		})
	}
}

func TestExtendedSingleFrameCapacity(t *testing.T) {
	d, tester, _ := newPair(t, true)
	frames := d.SubscribeReadFrames()
	defer d.UnsubscribeReadFrames(frames)

	// Six bytes still fit in one frame behind the sub-address and PCI byte
	require.NoError(t, tester.Send(context.Background(), payloadOf(6)))
	frame := <-frames
	require.Equal(t, byte(0x11), frame.Data[0])
	require.Equal(t, byte(0x06), frame.Data[1])
	require.Equal(t, uint8(8), frame.DLC)
}

func TestSendHonoursBlockSize(t *testing.T) {
	d, tester, _ := newPair(t, false)
	frames := d.SubscribeReadFrames()
	defer d.UnsubscribeReadFrames(frames)
	tester.FrameWaitTimeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// 6 bytes in the first frame, then 3 consecutive frames of 7, 7 and 2
	errs := make(chan error, 1)
	go func() { errs <- tester.Send(ctx, payloadOf(22)) }()

	fc := func(blockSize byte) {
		require.NoError(t, d.SendFrame(ctx, &canbus.CanFrame{ID: ecuID, DLC: 3, Data: [8]byte{0x30, blockSize, 0x00}}))
	}

	next := func() *canbus.CanFrame {
		for {
			frame := <-frames
			if frame.ID == testerID {
				return frame
			}
		}
	}

	require.Equal(t, byte(0x10), next().Data[0])
	fc(2)
	require.Equal(t, byte(0x21), next().Data[0])
	require.Equal(t, byte(0x22), next().Data[0])
	fc(2)
	last := next()
	require.Equal(t, byte(0x23), last.Data[0])
	require.Equal(t, uint8(3), last.DLC)
	require.NoError(t, <-errs)
}

func TestFlowControlTimeout(t *testing.T) {
	_, tester, _ := newPair(t, false)
	tester.FrameWaitTimeout = 20 * time.Millisecond

	err := tester.Send(context.Background(), payloadOf(20))
	require.ErrorIs(t, err, ErrFlowControlTimeout)
}

func TestFlowControlOverflow(t *testing.T) {
	d, tester, _ := newPair(t, false)
	frames := d.SubscribeReadFrames()
	defer d.UnsubscribeReadFrames(frames)

	errs := make(chan error, 1)
	go func() { errs <- tester.Send(context.Background(), payloadOf(20)) }()

	<-frames
	require.NoError(t, d.SendFrame(context.Background(), &canbus.CanFrame{ID: ecuID, DLC: 3, Data: [8]byte{0x32}}))
	require.ErrorIs(t, <-errs, ErrOverflow)
}

func TestReceiveRejectsSequenceGap(t *testing.T) {
	d, tester, _ := newPair(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		_, err := tester.Receive(ctx)
		errs <- err
	}()

	require.NoError(t, d.SendFrame(ctx, &canbus.CanFrame{ID: ecuID, DLC: 8, Data: [8]byte{0x10, 0x14, 0x62, 0x01, 0x01, 0x00, 0x00, 0x00}}))
	require.NoError(t, d.SendFrame(ctx, &canbus.CanFrame{ID: ecuID, DLC: 8, Data: [8]byte{0x22}}))
	require.ErrorIs(t, <-errs, ErrUnexpectedFrameIndex)
}

func TestReceiveIgnoresOtherIDs(t *testing.T) {
	d, tester, _ := newPair(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got := receiveAsync(ctx, tester)
	require.NoError(t, d.SendFrame(ctx, &canbus.CanFrame{ID: 0x7E8, DLC: 4, Data: [8]byte{0x03, 0x62, 0xF1, 0x90}}))
	require.NoError(t, d.SendFrame(ctx, &canbus.CanFrame{ID: ecuID, DLC: 4, Data: [8]byte{0x03, 0x62, 0x01, 0x01}}))
	require.Equal(t, []byte{0x62, 0x01, 0x01}, <-got)
}

func TestReceiveMalformedSingleFrame(t *testing.T) {
	_, tester, _ := newPair(t, false)
	_, err := tester.receiveSingleFrame(&canbus.CanFrame{ID: ecuID, DLC: 2, Data: [8]byte{0x05, 0x62}})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestReceiveHonoursContext(t *testing.T) {
	_, tester, _ := newPair(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tester.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceiveAfterDriverCleanup(t *testing.T) {
	d, tester, _ := newPair(t, false)
	d.Cleanup()

	_, err := tester.Receive(context.Background())
	require.ErrorIs(t, err, ErrLinkClosed)
}

func TestSendPayloadBounds(t *testing.T) {
	_, tester, _ := newPair(t, false)
	require.ErrorIs(t, tester.Send(context.Background(), nil), ErrEmptyPayload)
	require.ErrorIs(t, tester.Send(context.Background(), payloadOf(MaxPayloadLength+1)), ErrPayloadTooLong)
}

func TestSeparationTime(t *testing.T) {
	tests := []struct {
		in   byte
		want time.Duration
	}{
		{0x00, 0},
		{0x14, 20 * time.Millisecond},
		{0x7F, 127 * time.Millisecond},
		{0xF1, 100 * time.Microsecond},
		{0xF9, 900 * time.Microsecond},
		{0x80, 10 * time.Millisecond},
		{0xFA, 10 * time.Millisecond},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, SeparationTime(tt.in), "STmin 0x%02X", tt.in)
	}
}
