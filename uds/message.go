package uds

import (
	"fmt"
)

// Message is a UDS payload as carried by ISO-TP, split into its service id and data.
type Message struct {
	SenderID    uint16 // CAN ID the message travelled on
	ServiceID   byte   // Request service id, also for responses
	Subfunction *byte  // Optional subfunction, requests only
	NRC         *byte  // Negative Response Code for negative responses
	Data        []byte // Remaining bytes after the service id, subfunction or NRC
	IsSuccess   *bool  // nil for requests
}

// RawDataToMessage interprets rawData as a response from an ECU.
func RawDataToMessage(senderID uint16, rawData []byte) *Message {
	if len(rawData) == 0 {
		return nil
	}

	isSuccess := rawData[0] != NegativeResponseByte
	if isSuccess {
		return &Message{
			SenderID:  senderID,
			ServiceID: rawData[0] - PositiveResponseServiceIdOffset,
			Data:      rawData[1:],
			IsSuccess: &isSuccess,
		}
	}

	m := &Message{SenderID: senderID, IsSuccess: &isSuccess}
	if len(rawData) > 1 {
		m.ServiceID = rawData[1]
	}
	if len(rawData) > 2 {
		nrc := rawData[2]
		m.NRC = &nrc
		m.Data = rawData[3:]
	}
	return m
}

// NewRequest builds an outgoing request.
func NewRequest(senderID uint16, serviceID byte, data ...byte) *Message {
	return &Message{SenderID: senderID, ServiceID: serviceID, Data: data}
}

// IsNegative reports whether the message is a negative response.
func (m *Message) IsNegative() bool {
	return m.IsSuccess != nil && !*m.IsSuccess
}

// Err returns a *NegativeResponseError for negative responses and nil otherwise.
func (m *Message) Err() error {
	if !m.IsNegative() {
		return nil
	}
	var nrc byte
	if m.NRC != nil {
		nrc = *m.NRC
	}
	return &NegativeResponseError{ServiceID: m.ServiceID, NRC: nrc}
}

func (m *Message) ToRawData() []byte {
	var rawData []byte
	switch {
	case m.IsSuccess == nil:
		rawData = append(rawData, m.ServiceID)
		if m.Subfunction != nil {
			rawData = append(rawData, *m.Subfunction)
		}
	case *m.IsSuccess:
		rawData = append(rawData, PositiveResponseID(m.ServiceID))
	default:
		rawData = append(rawData, NegativeResponseByte, m.ServiceID)
		if m.NRC != nil {
			rawData = append(rawData, *m.NRC)
		}
	}
	return append(rawData, m.Data...)
}

func (m *Message) String() string {
	switch {
	case m.IsSuccess == nil:
		return fmt.Sprintf("Request to: 0x%03X Service: %s Data: % X", m.SenderID, ServiceLabel(m.ServiceID), m.Data)
	case *m.IsSuccess:
		return fmt.Sprintf("Response from: 0x%03X (+) Service: %s Data: % X", m.SenderID, ServiceLabel(m.ServiceID), m.Data)
	default:
		return fmt.Sprintf("Response from: 0x%03X (-) Service: %s NRC: %s", m.SenderID, ServiceLabel(m.ServiceID), m.NRCLabel())
	}
}

func (m *Message) NRCLabel() string {
	if m.NRC == nil {
		return "N/A"
	}
	return NRCLabel(*m.NRC)
}
