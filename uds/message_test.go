package uds

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRawDataToMessagePositive(t *testing.T) {
	m := RawDataToMessage(0x7EC, []byte{0x62, 0x01, 0x01, 0xAA})
	require.NotNil(t, m)
	require.False(t, m.IsNegative())
	require.Equal(t, ServiceReadDataByIdentifier, m.ServiceID)
	require.Equal(t, []byte{0x01, 0x01, 0xAA}, m.Data)
	require.NoError(t, m.Err())
	require.Equal(t, []byte{0x62, 0x01, 0x01, 0xAA}, m.ToRawData())
}

func TestRawDataToMessageNegative(t *testing.T) {
	m := RawDataToMessage(0x7EC, []byte{0x7F, 0x22, 0x31})
	require.True(t, m.IsNegative())
	require.Equal(t, ServiceReadDataByIdentifier, m.ServiceID)
	require.Equal(t, "Request Out of Range", m.NRCLabel())
	require.Equal(t, []byte{0x7F, 0x22, 0x31}, m.ToRawData())

	var nrErr *NegativeResponseError
	require.True(t, errors.As(m.Err(), &nrErr))
	require.Equal(t, NRCRequestOutOfRange, nrErr.NRC)
	require.Equal(t, "negative response to Read Data By Identifier: Request Out of Range (0x31)", nrErr.Error())
}

func TestRawDataToMessageEmpty(t *testing.T) {
	require.Nil(t, RawDataToMessage(0x7EC, nil))
}

func TestRequestToRawData(t *testing.T) {
	sub := SubfunctionSuppressPositiveResponse
	m := &Message{ServiceID: ServiceTesterPresent, Subfunction: &sub}
	require.Equal(t, []byte{0x3E, 0x80}, m.ToRawData())

	require.Equal(t, []byte{0x22, 0x01, 0x05}, NewRequest(0x7E4, ServiceReadDataByIdentifier, 0x01, 0x05).ToRawData())
}

func TestMessageString(t *testing.T) {
	require.Equal(t, "Request to: 0x7E4 Service: Read Data By Identifier Data: 01 01",
		NewRequest(0x7E4, ServiceReadDataByIdentifier, 0x01, 0x01).String())
	require.Equal(t, "Response from: 0x7EC (-) Service: Read Data By Identifier NRC: Request Out of Range",
		RawDataToMessage(0x7EC, []byte{0x7F, 0x22, 0x31}).String())
}

func TestLabelsFallBackToHex(t *testing.T) {
	require.Equal(t, "0xBA", ServiceLabel(0xBA))
	require.Equal(t, "0xEE", NRCLabel(0xEE))
}

func TestAddress(t *testing.T) {
	a := NewAddress(0x7E4)
	require.Equal(t, uint16(0x7EC), a.RxID())
	require.Equal(t, "0x7E4", a.String())

	e := NewExtendedAddress(0x7D0, 0x0F)
	require.Equal(t, "0x7D0/0x0F", e.String())
	cfg := e.ECULinkConfig(1)
	require.Equal(t, uint16(0x7D8), cfg.TxID)
	require.Equal(t, uint16(0x7D0), cfg.RxID)
	require.True(t, cfg.Extended)
	require.Equal(t, uint8(1), cfg.Bus)
}
