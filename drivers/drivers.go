package drivers

import (
	"context"
	"errors"

	"socquery/canbus"
)

var (
	errorDriverNotRunning = errors.New("driver is not running")
	errorUnsupportedBus   = errors.New("bus not supported by driver")
)

// Driver moves raw CAN frames between the host and a bus interface.
type Driver interface {
	String() string
	SendFrame(ctx context.Context, frame *canbus.CanFrame) error
	SubscribeReadFrames() chan *canbus.CanFrame
	UnsubscribeReadFrames(ch chan *canbus.CanFrame)
	Cleanup()
}
