package ecus

import (
	"context"
	"fmt"
	"time"

	"socquery/canbus"
	"socquery/drivers"
	"socquery/isotp"
	"socquery/logging"
	"socquery/uds"
)

const TesterPresentDelay = 2 * time.Second

// testerPresentFrame is a single frame carrying TesterPresent with the positive response
// suppressed, so the ECU keeps the session open without answering.
func testerPresentFrame(ecu ECU) *canbus.CanFrame {
	frame := &canbus.CanFrame{Bus: ecu.Bus, ID: ecu.Address.ID}
	off := 0
	if ecu.Address.Extended {
		frame.Data[0] = ecu.Address.SubAddr
		off = 1
	}
	frame.Data[off] = isotp.PCIFrameTypeSF<<4 | 0x02
	frame.Data[off+1] = uds.ServiceTesterPresent
	frame.Data[off+2] = uds.SubfunctionSuppressPositiveResponse
	frame.DLC = uint8(off + 3)
	return frame
}

// TesterPresentLoop sends TesterPresent to ecu every interval until ctx is done.
func TesterPresentLoop(ctx context.Context, d drivers.Driver, ecu ECU, interval time.Duration, l *logging.Logger) {
	if interval <= 0 {
		interval = TesterPresentDelay
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := d.SendFrame(ctx, testerPresentFrame(ecu)); err != nil && ctx.Err() == nil {
			l.WriteToLog(fmt.Sprintf("Error: couldn't send UDS tester present: %v", err), logging.LogTypeLog)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
