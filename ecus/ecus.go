package ecus

import (
	"fmt"
	"sort"
	"strings"

	"socquery/uds"
)

// ECU is a diagnostic target reachable from the bridge.
type ECU struct {
	Name    string
	Bus     uint8
	Address uds.Address
}

func (e ECU) String() string {
	return fmt.Sprintf("%s (bus %d, %s)", e.Name, e.Bus, e.Address)
}

// Add more ecus here
var knownECUs = map[string]ECU{
	"ioniq5-bms": {Name: "ioniq5-bms", Bus: 0, Address: uds.NewAddress(0x7E4)},
	"kona-bms":   {Name: "kona-bms", Bus: 0, Address: uds.NewAddress(0x7E4)},
}

const DefaultECU = "ioniq5-bms"

// Lookup returns the ECU registered under name.
func Lookup(name string) (ECU, error) {
	ecu, ok := knownECUs[strings.ToLower(name)]
	if !ok {
		return ECU{}, fmt.Errorf("unknown ecu %q, known: %s", name, strings.Join(Names(), ", "))
	}
	return ecu, nil
}

// Names lists the registered ECU names in sorted order.
func Names() []string {
	names := make([]string, 0, len(knownECUs))
	for name := range knownECUs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
