package canbus

import (
	"errors"
	"fmt"
	"strings"

	"socquery/utils"
)

// MaxDLC is the largest payload a classic CAN frame carries.
const MaxDLC = 8

var errorFrameTooLong = errors.New("can't send more than 8 bytes")

// CanFrame represents a CAN bus data frame with an 11-bit identifier.
type CanFrame struct {
	Bus  uint8    // Logical bus/channel the frame travels on
	ID   uint16   // CAN identifier
	DLC  uint8    // Data Length Code (0-8)
	Data [8]uint8 // Data payload
}

// Payload returns the first DLC bytes of the frame data.
func (f *CanFrame) Payload() []byte {
	dlc := f.DLC
	if dlc > MaxDLC {
		dlc = MaxDLC
	}
	return f.Data[:dlc]
}

// String method to provide a human-readable representation of the CAN frame.
func (f *CanFrame) String() string {
	payload := f.Payload()
	formattedData := make([]string, len(payload))
	for i, b := range payload {
		formattedData[i] = fmt.Sprintf("0x%02X", b)
	}
	dataString := strings.Join(formattedData, " ")
	return fmt.Sprintf("Bus: %d, ID: 0x%X, DLC: %d, Data: %s", f.Bus, f.ID, f.DLC, dataString)
}

// StringToFrame parses a hex string such as "0322010100000000" into a frame addressed to id.
func StringToFrame(bus uint8, id uint16, in string) (*CanFrame, error) {
	data, err := utils.HexStringToBytes(strings.ReplaceAll(strings.TrimSpace(in), " ", ""))
	if err != nil {
		return nil, fmt.Errorf("converting input to bytes: %w", err)
	}

	if len(data) > MaxDLC {
		return nil, errorFrameTooLong
	}

	frame := &CanFrame{
		Bus: bus,
		ID:  id,
		DLC: uint8(len(data)),
	}
	copy(frame.Data[:], data)

	return frame, nil
}
