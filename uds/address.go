package uds

import (
	"fmt"

	"socquery/isotp"
)

// Physical 11-bit addressing: an ECU answers on its request id plus 8.
const (
	responseIDOffset = 8
	// MaxRequestID is the highest request id whose response id is still an 11-bit id.
	MaxRequestID uint16 = 0x7FF - responseIDOffset
)

// Address identifies the ECU that must answer a request: its CAN request id and, for ECUs behind
// a gateway using extended addressing, a sub-address.
type Address struct {
	ID       uint16
	SubAddr  uint8
	Extended bool
}

func NewAddress(id uint16) Address {
	return Address{ID: id}
}

func NewExtendedAddress(id uint16, subAddr uint8) Address {
	return Address{ID: id, SubAddr: subAddr, Extended: true}
}

// RxID is the CAN id the ECU responds on.
func (a Address) RxID() uint16 {
	return a.ID + responseIDOffset
}

func (a Address) String() string {
	if a.Extended {
		return fmt.Sprintf("0x%03X/0x%02X", a.ID, a.SubAddr)
	}
	return fmt.Sprintf("0x%03X", a.ID)
}

func (a Address) linkConfig(bus uint8) isotp.LinkConfig {
	return isotp.LinkConfig{
		Bus:      bus,
		TxID:     a.ID,
		RxID:     a.RxID(),
		Extended: a.Extended,
		SubAddr:  a.SubAddr,
	}
}

// ECULinkConfig is the link an ECU at this address uses to answer testers.
func (a Address) ECULinkConfig(bus uint8) isotp.LinkConfig {
	cfg := a.linkConfig(bus)
	cfg.TxID, cfg.RxID = cfg.RxID, cfg.TxID
	return cfg
}
