package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHexStringToBytes(t *testing.T) {
	data, err := HexStringToBytes("0322010A")
	require.NoError(t, err)
	require.Equal(t, []byte{0x03, 0x22, 0x01, 0x0A}, data)

	data, err = HexStringToBytes("")
	require.NoError(t, err)
	require.Empty(t, data)
}

func TestHexStringToBytesRejectsBadInput(t *testing.T) {
	_, err := HexStringToBytes("032")
	require.Error(t, err)

	_, err = HexStringToBytes("zz")
	require.Error(t, err)
}

func TestBytesToHexString(t *testing.T) {
	require.Equal(t, "62 01 01", BytesToHexString([]byte{0x62, 0x01, 0x01}))
}
