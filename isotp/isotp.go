// Package isotp carries diagnostic payloads longer than one CAN frame using ISO 15765-2
// segmentation: single frames, a first frame followed by consecutive frames, and flow control
// frames from the receiver.
package isotp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"socquery/canbus"
	"socquery/drivers"
	"socquery/logging"
)

const (
	PCIFrameTypeSF byte = 0x0
	PCIFrameTypeFF byte = 0x1
	PCIFrameTypeCF byte = 0x2
	PCIFrameTypeFC byte = 0x3
)

const (
	FlowStatusContinue byte = 0x0
	FlowStatusWait     byte = 0x1
	FlowStatusOverflow byte = 0x2
)

const (
	MaxPayloadLength        = 4095
	DefaultFrameWaitTimeout = 1000 * time.Millisecond
	maxFlowControlWaits     = 10
)

var (
	ErrFlowControlTimeout      = errors.New("timeout while waiting for flow control frame")
	ErrConsecutiveFrameTimeout = errors.New("timeout while waiting for consecutive frames")
	ErrUnexpectedFrameIndex    = errors.New("unexpected frame index")
	ErrOverflow                = errors.New("receiver reported buffer overflow")
	ErrTooManyWaits            = errors.New("receiver asked to wait too many times")
	ErrPayloadTooLong          = errors.New("payload too long")
	ErrEmptyPayload            = errors.New("payload is empty")
	ErrMalformedFrame          = errors.New("malformed frame")
	ErrLinkClosed              = errors.New("link closed")

	errorFrameWaitTimeout = errors.New("frame wait timeout")
)

// LinkConfig addresses one tester/ECU pair. With Extended set, SubAddr is carried as the first
// data byte of every frame in both directions.
type LinkConfig struct {
	Bus      uint8
	TxID     uint16
	RxID     uint16
	Extended bool
	SubAddr  byte
}

// Link is one end of an ISO-TP connection. It subscribes to the driver when created so frames
// answering a Send are never missed; call Close to release the subscription.
type Link struct {
	d      drivers.Driver
	cfg    LinkConfig
	frames chan *canbus.CanFrame
	l      *logging.Logger

	FrameWaitTimeout time.Duration
}

func NewLink(d drivers.Driver, cfg LinkConfig, l *logging.Logger) *Link {
	return &Link{
		d:                d,
		cfg:              cfg,
		frames:           d.SubscribeReadFrames(),
		l:                l,
		FrameWaitTimeout: DefaultFrameWaitTimeout,
	}
}

func (k *Link) Close() {
	k.d.UnsubscribeReadFrames(k.frames)
}

func (k *Link) String() string {
	if k.cfg.Extended {
		return fmt.Sprintf("0x%03X/0x%02X->0x%03X", k.cfg.TxID, k.cfg.SubAddr, k.cfg.RxID)
	}
	return fmt.Sprintf("0x%03X->0x%03X", k.cfg.TxID, k.cfg.RxID)
}

// offset is where the PCI byte sits in a frame.
func (k *Link) offset() int {
	if k.cfg.Extended {
		return 1
	}
	return 0
}

func (k *Link) newFrame() *canbus.CanFrame {
	frame := &canbus.CanFrame{Bus: k.cfg.Bus, ID: k.cfg.TxID}
	if k.cfg.Extended {
		frame.Data[0] = k.cfg.SubAddr
	}
	return frame
}

// matches reports whether frame belongs to this link.
func (k *Link) matches(frame *canbus.CanFrame) bool {
	if frame.Bus != k.cfg.Bus || frame.ID != k.cfg.RxID {
		return false
	}
	if int(frame.DLC) <= k.offset() {
		return false
	}
	return !k.cfg.Extended || frame.Data[0] == k.cfg.SubAddr
}

func (k *Link) pciFrameType(frame *canbus.CanFrame) byte {
	return (frame.Data[k.offset()] & 0xF0) >> 4
}

// Send transmits payload, segmenting it when it does not fit a single frame.
func (k *Link) Send(ctx context.Context, payload []byte) error {
	dataLength := len(payload)
	if dataLength == 0 {
		return ErrEmptyPayload
	}
	if dataLength > MaxPayloadLength {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, dataLength)
	}

	off := k.offset()
	if dataLength <= 7-off {
		return k.sendSingleFrame(ctx, payload)
	}

	if err := k.sendFirstFrame(ctx, payload); err != nil {
		return err
	}
	return k.sendConsecutiveFrames(ctx, payload, 6-off)
}

func (k *Link) sendSingleFrame(ctx context.Context, payload []byte) error {
	off := k.offset()
	frame := k.newFrame()
	// Upper nibble is 0x0 (Single Frame) and lower nibble is length
	frame.Data[off] = PCIFrameTypeSF<<4 | byte(len(payload)&0x0F)
	copy(frame.Data[off+1:], payload)
	frame.DLC = uint8(off + 1 + len(payload))
	return k.d.SendFrame(ctx, frame)
}

func (k *Link) sendFirstFrame(ctx context.Context, payload []byte) error {
	off := k.offset()
	dataLength := len(payload)
	frame := k.newFrame()
	frame.DLC = canbus.MaxDLC
	// Lower nibble of the PCI byte and the next byte hold the 12 bit data length
	frame.Data[off] = PCIFrameTypeFF<<4 | byte((dataLength>>8)&0x0F)
	frame.Data[off+1] = byte(dataLength & 0xFF)
	copy(frame.Data[off+2:], payload[:6-off])
	return k.d.SendFrame(ctx, frame)
}

func (k *Link) sendConsecutiveFrames(ctx context.Context, payload []byte, bytesSent int) error {
	off := k.offset()
	chunkSize := 7 - off
	totalBytes := len(payload)
	frameIndex := byte(1) // Consecutive Frame index starts at 1

	for bytesSent < totalBytes {
		blockSize, separationTime, err := k.waitForFlowControlFrame(ctx)
		if err != nil {
			return err
		}

		// A block size of 0 means the rest of the payload can go without further flow control
		for sent := 0; bytesSent < totalBytes && (blockSize == 0 || sent < int(blockSize)); sent++ {
			bytesToSend := totalBytes - bytesSent
			if bytesToSend > chunkSize {
				bytesToSend = chunkSize
			}

			frame := k.newFrame()
			frame.Data[off] = PCIFrameTypeCF<<4 | frameIndex&0x0F
			copy(frame.Data[off+1:], payload[bytesSent:bytesSent+bytesToSend])
			frame.DLC = uint8(off + 1 + bytesToSend)

			if err = k.d.SendFrame(ctx, frame); err != nil {
				return err
			}

			bytesSent += bytesToSend
			frameIndex = (frameIndex + 1) % 16

			if bytesSent < totalBytes {
				if err = sleepForSeparationTime(ctx, separationTime); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// waitForFlowControlFrame returns the block size and STmin granted by the receiver.
func (k *Link) waitForFlowControlFrame(ctx context.Context) (byte, byte, error) {
	off := k.offset()
	waits := 0
	for {
		frame, err := k.readFrame(ctx, k.FrameWaitTimeout)
		if errors.Is(err, errorFrameWaitTimeout) {
			return 0, 0, ErrFlowControlTimeout
		}
		if err != nil {
			return 0, 0, err
		}
		if k.pciFrameType(frame) != PCIFrameTypeFC || int(frame.DLC) < off+3 {
			continue
		}

		switch frame.Data[off] & 0x0F {
		case FlowStatusContinue:
			return frame.Data[off+1], frame.Data[off+2], nil
		case FlowStatusWait:
			waits++
			if waits > maxFlowControlWaits {
				return 0, 0, ErrTooManyWaits
			}
		case FlowStatusOverflow:
			return 0, 0, ErrOverflow
		}
	}
}

// Receive blocks until a complete payload arrives from the peer or ctx is done.
func (k *Link) Receive(ctx context.Context) ([]byte, error) {
	for {
		frame, err := k.readFrame(ctx, 0)
		if err != nil {
			return nil, err
		}
		switch k.pciFrameType(frame) {
		case PCIFrameTypeSF:
			return k.receiveSingleFrame(frame)
		case PCIFrameTypeFF:
			return k.receiveMultiFrame(ctx, frame)
		default:
			// Stray consecutive or flow control frames are not the start of a payload
			continue
		}
	}
}

func (k *Link) receiveSingleFrame(frame *canbus.CanFrame) ([]byte, error) {
	off := k.offset()
	dataLength := int(frame.Data[off] & 0x0F)
	if dataLength == 0 || dataLength > 7-off || int(frame.DLC) < off+1+dataLength {
		return nil, fmt.Errorf("%w: single frame %s", ErrMalformedFrame, frame)
	}
	data := make([]byte, dataLength)
	copy(data, frame.Data[off+1:off+1+dataLength])
	return data, nil
}

func (k *Link) receiveMultiFrame(ctx context.Context, firstFrame *canbus.CanFrame) ([]byte, error) {
	off := k.offset()
	if firstFrame.DLC != canbus.MaxDLC {
		return nil, fmt.Errorf("%w: first frame %s", ErrMalformedFrame, firstFrame)
	}
	dataLength := int(firstFrame.Data[off]&0x0F)<<8 | int(firstFrame.Data[off+1])
	if dataLength <= 7-off {
		return nil, fmt.Errorf("%w: first frame length %d", ErrMalformedFrame, dataLength)
	}

	data := make([]byte, dataLength)
	bytesReceived := copy(data, firstFrame.Data[off+2:])
	frameIndex := byte(1)

	if err := k.sendFlowControlFrame(ctx); err != nil {
		return nil, fmt.Errorf("failed to send flow control frame: %w", err)
	}

	for bytesReceived < dataLength {
		frame, err := k.readFrame(ctx, k.FrameWaitTimeout)
		if errors.Is(err, errorFrameWaitTimeout) {
			return nil, ErrConsecutiveFrameTimeout
		}
		if err != nil {
			return nil, err
		}
		if k.pciFrameType(frame) != PCIFrameTypeCF {
			continue
		}

		seqNum := frame.Data[off] & 0x0F
		if seqNum != frameIndex {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrUnexpectedFrameIndex, seqNum, frameIndex)
		}

		bytesToCopy := dataLength - bytesReceived
		if bytesToCopy > 7-off {
			bytesToCopy = 7 - off
		}
		if int(frame.DLC) < off+1+bytesToCopy {
			return nil, fmt.Errorf("%w: consecutive frame %s", ErrMalformedFrame, frame)
		}

		copy(data[bytesReceived:], frame.Data[off+1:off+1+bytesToCopy])
		bytesReceived += bytesToCopy
		frameIndex = (frameIndex + 1) % 16
	}
	return data, nil
}

// sendFlowControlFrame lets the sender transmit every consecutive frame without pause.
func (k *Link) sendFlowControlFrame(ctx context.Context) error {
	off := k.offset()
	frame := k.newFrame()
	frame.Data[off] = PCIFrameTypeFC<<4 | FlowStatusContinue
	frame.Data[off+1] = 0x00 // Block Size
	frame.Data[off+2] = 0x00 // STmin
	frame.DLC = uint8(off + 3)
	return k.d.SendFrame(ctx, frame)
}

// readFrame returns the next frame for this link. A zero wait means no per-frame timeout.
func (k *Link) readFrame(ctx context.Context, wait time.Duration) (*canbus.CanFrame, error) {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case frame, ok := <-k.frames:
			if !ok {
				return nil, ErrLinkClosed
			}
			if frame == nil || !k.matches(frame) {
				continue
			}
			return frame, nil
		case <-timeout:
			return nil, errorFrameWaitTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SeparationTime decodes an STmin byte.
func SeparationTime(separationTime byte) time.Duration {
	switch {
	case separationTime <= 0x7F:
		// Milliseconds (values 0x00 to 0x7F)
		return time.Duration(separationTime) * time.Millisecond
	case separationTime >= 0xF1 && separationTime <= 0xF9:
		// 100 microsecond steps (values 0xF1 to 0xF9)
		return time.Duration(100*(int(separationTime)-0xF0)) * time.Microsecond
	default:
		// Reserved values
		return 10 * time.Millisecond
	}
}

func sleepForSeparationTime(ctx context.Context, separationTime byte) error {
	d := SeparationTime(separationTime)
	if d == 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
