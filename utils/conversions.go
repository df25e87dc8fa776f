package utils

import (
	"fmt"
	"strconv"
)

// HexStringToBytes converts a hex string to a byte slice
func HexStringToBytes(s string) ([]byte, error) {
	// Ensure the string has an even length
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("hex string has an odd length: %v", s)
	}

	data := make([]byte, len(s)/2)

	for i := 0; i < len(s); i += 2 {
		byteVal, err := strconv.ParseUint(s[i:i+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("parsing hex byte at position %d: %w", i, err)
		}
		data[i/2] = byte(byteVal)
	}

	return data, nil
}

// BytesToHexString renders data as space separated upper case hex pairs.
func BytesToHexString(data []byte) string {
	return fmt.Sprintf("% X", data)
}
