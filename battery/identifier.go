// Package battery reads the high-voltage battery state of charge over UDS ReadDataByIdentifier.
package battery

import (
	"errors"
	"fmt"
	"strings"

	"socquery/uds"
)

var ErrShortPayload = errors.New("response too short for identifier")

// Identifier is one of the data identifiers carrying a state-of-charge byte. The zero value is
// not a valid identifier.
type Identifier struct {
	code   uint16
	offset int
	name   string
}

var (
	// IdentifierBMS is the battery management system's own SOC estimate.
	IdentifierBMS = Identifier{code: 0x0101, offset: 4, name: "bms"}
	// IdentifierDisplay is the SOC as shown to the driver.
	IdentifierDisplay = Identifier{code: 0x0105, offset: 31, name: "display"}
)

// Identifiers lists every identifier in query order.
func Identifiers() []Identifier {
	return []Identifier{IdentifierBMS, IdentifierDisplay}
}

// ParseIdentifier accepts a name ("bms", "display") or a hex code ("0x0101").
func ParseIdentifier(raw string) (Identifier, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, id := range Identifiers() {
		if raw == id.name || raw == fmt.Sprintf("0x%04x", id.code) {
			return id, nil
		}
	}
	return Identifier{}, fmt.Errorf("unknown identifier %q", raw)
}

func (id Identifier) valid() bool {
	return id == IdentifierBMS || id == IdentifierDisplay
}

func (id Identifier) Code() uint16 {
	return id.code
}

// Offset is the position of the SOC byte in the data that follows the response prefix.
func (id Identifier) Offset() int {
	if !id.valid() {
		panic(fmt.Sprintf("battery: invalid identifier %#04x", id.code))
	}
	return id.offset
}

func (id Identifier) String() string {
	if !id.valid() {
		return fmt.Sprintf("invalid(0x%04X)", id.code)
	}
	return fmt.Sprintf("%s(0x%04X)", id.name, id.code)
}

// Name is the short lower-case name used in config, flags and metric labels.
func (id Identifier) Name() string {
	return id.name
}

// Request is the ReadDataByIdentifier request for id.
func (id Identifier) Request() []byte {
	return []byte{uds.ServiceReadDataByIdentifier, byte(id.code >> 8), byte(id.code)}
}

// ResponsePrefix is how a positive response to Request starts.
func (id Identifier) ResponsePrefix() []byte {
	return []byte{uds.PositiveResponseID(uds.ServiceReadDataByIdentifier), byte(id.code >> 8), byte(id.code)}
}

// Decode extracts the state of charge in percent from the data of a positive response to id,
// the response prefix already removed. The ECU reports SOC in half-percent steps.
func Decode(id Identifier, payload []byte) (float64, error) {
	offset := id.Offset()
	if len(payload) <= offset {
		return 0, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortPayload, id, offset+1, len(payload))
	}
	return float64(payload[offset]) / 2.0, nil
}
