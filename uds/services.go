package uds

import (
	"fmt"
)

// UDS Service ID constants
const (
	ServiceDiagnosticSessionControl    byte = 0x10
	ServiceECUReset                    byte = 0x11
	ServiceClearDiagnosticInformation  byte = 0x14
	ServiceReadDTCInformation          byte = 0x19
	ServiceReadDataByIdentifier        byte = 0x22
	ServiceReadMemoryByAddress         byte = 0x23
	ServiceReadScalingDataByIdentifier byte = 0x24
	ServiceSecurityAccess              byte = 0x27
	ServiceWriteDataByIdentifier       byte = 0x2E
	ServiceRoutineControl              byte = 0x31
	ServiceTesterPresent               byte = 0x3E
)

const (
	NegativeResponseByte            byte = 0x7F
	PositiveResponseServiceIdOffset byte = 0x40
	// Tester present subfunction asking the ECU not to answer
	SubfunctionSuppressPositiveResponse byte = 0x80
)

var serviceIDNames = map[byte]string{
	ServiceDiagnosticSessionControl:    "Diagnostic Session Control",
	ServiceECUReset:                    "ECU Reset",
	ServiceClearDiagnosticInformation:  "Clear Diagnostic Information",
	ServiceReadDTCInformation:          "Read DTC Information",
	ServiceReadDataByIdentifier:        "Read Data By Identifier",
	ServiceReadMemoryByAddress:         "Read Memory By Address",
	ServiceReadScalingDataByIdentifier: "Read Scaling Data By Identifier",
	ServiceSecurityAccess:              "Security Access",
	ServiceWriteDataByIdentifier:       "Write Data By Identifier",
	ServiceRoutineControl:              "Routine Control",
	ServiceTesterPresent:               "Tester Present",
}

// ServiceLabel names a service id, falling back to hex for services not in the table.
func ServiceLabel(serviceID byte) string {
	if serviceName, ok := serviceIDNames[serviceID]; ok {
		return serviceName
	}
	return fmt.Sprintf("0x%02X", serviceID)
}

// PositiveResponseID is the first byte of a positive response to serviceID.
func PositiveResponseID(serviceID byte) byte {
	return serviceID + PositiveResponseServiceIdOffset
}
