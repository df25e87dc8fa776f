package drivers

import (
	"context"
	"fmt"
	"sync/atomic"

	"socquery/canbus"
	"socquery/logging"
)

// VirtualDriver is an in-memory bus. Every frame sent is delivered to every subscriber, including
// the sender, so simulated ECUs attached to the same driver can answer requests.
type VirtualDriver struct {
	name             string
	isRunning        int32
	frameBroadcaster *CanFrameBroadcaster
	l                *logging.Logger
}

func NewVirtualDriver(name string, l *logging.Logger) *VirtualDriver {
	return &VirtualDriver{
		name:             name,
		isRunning:        1,
		frameBroadcaster: NewCanFrameBroadcaster(l),
		l:                l,
	}
}

func (d *VirtualDriver) String() string {
	return fmt.Sprintf("Virtual: %s", d.name)
}

func (d *VirtualDriver) SendFrame(ctx context.Context, frame *canbus.CanFrame) error {
	if atomic.LoadInt32(&d.isRunning) == 0 {
		return errorDriverNotRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if frame.DLC > canbus.MaxDLC {
		return fmt.Errorf("%w: %d", errorInvalidDLC, frame.DLC)
	}

	// Subscribers must not observe later changes the sender makes to its frame
	sent := *frame
	d.l.WriteToLog(fmt.Sprintf("Send: %s", sent.String()), logging.LogTypeCanbusLog)
	d.frameBroadcaster.Broadcast(&sent)
	return nil
}

func (d *VirtualDriver) SubscribeReadFrames() chan *canbus.CanFrame {
	return d.frameBroadcaster.Subscribe()
}

func (d *VirtualDriver) UnsubscribeReadFrames(ch chan *canbus.CanFrame) {
	d.frameBroadcaster.Unsubscribe(ch)
}

func (d *VirtualDriver) Cleanup() {
	if !atomic.CompareAndSwapInt32(&d.isRunning, 1, 0) {
		return
	}
	d.frameBroadcaster.Cleanup()
}
