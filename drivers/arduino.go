package drivers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"socquery/canbus"
	"socquery/logging"
)

const (
	ArduinoBaudRate                 = 921600
	ArduinoStartMarker              = 0x7E
	ArduinoEndMarker                = 0x7F
	ArduinoEscapeChar               = 0x1B
	ArduinoACK                      = 0x06
	ArduinoNACK                     = 0x15
	ArduinoMaxRetries               = 3
	ArduinoPortOpenDelay            = 500 * time.Millisecond
	ArduinoReadTimeout              = 5 * time.Millisecond
	ArduinoACKTimeout               = 100 * time.Millisecond
	ArduinoRetryDelay               = 200 * time.Millisecond
	ArduinoExponentialBackoffFactor = 2
)

// USB vendor ids: 2341 Arduino, 1A86 CH340, 2A03 Arduino clone
var arduinoVIDs = map[string]struct{}{
	"2341": {},
	"1A86": {},
	"2A03": {},
}

var (
	errorPortHasBeenClosed    = errors.New("serial port has been closed")
	errorInvalidEscape        = errors.New("invalid escape sequence")
	errorOperationCancelled   = errors.New("operation cancelled")
	errorNoArduinoFound       = errors.New("no arduino found on any serial port")
	errorIncompleteFrame      = errors.New("incomplete frame received")
	errorChecksumMismatch     = errors.New("checksum mismatch")
	errorInvalidDLC           = errors.New("invalid DLC value")
	errorWriteChannelSaturate = errors.New("write channel is full, cannot send response")
)

// ArduinoDriver handles serial communication with an Arduino CAN bridge. The bridge is wired to
// a single bus, so only frames on bus 0 can be sent.
type ArduinoDriver struct {
	isRunning        int32 // Use int32 for atomic operations
	portName         string
	port             serial.Port
	readChan         chan []byte
	writeChan        chan []byte
	ackChan          chan bool
	frameBroadcaster *CanFrameBroadcaster
	wg               sync.WaitGroup
	cancelFunc       context.CancelFunc
	cleanupOnce      sync.Once
	l                *logging.Logger
}

// IsArduinoPort reports whether a serial port looks like an Arduino or one of its clones.
func IsArduinoPort(port *enumerator.PortDetails) bool {
	if port == nil || !port.IsUSB {
		return false
	}
	_, ok := arduinoVIDs[port.VID]
	return ok
}

// ScanArduino scans serial ports to find Arduinos and returns drivers for them.
func ScanArduino(l *logging.Logger) ([]*ArduinoDriver, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	var found []*ArduinoDriver
	for _, port := range ports {
		if IsArduinoPort(port) {
			found = append(found, NewArduinoDriver(port.Name, l))
		}
	}
	return found, nil
}

// FirstArduino returns a driver for the first Arduino found.
func FirstArduino(l *logging.Logger) (*ArduinoDriver, error) {
	found, err := ScanArduino(l)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, errorNoArduinoFound
	}
	return found[0], nil
}

func NewArduinoDriver(portName string, l *logging.Logger) *ArduinoDriver {
	return &ArduinoDriver{portName: portName, l: l}
}

// String returns a string representation of the ArduinoDriver.
func (d *ArduinoDriver) String() string {
	return fmt.Sprintf("Arduino: %s", d.portName)
}

// Open opens the serial port and prepares the channels used by the main loops.
func (d *ArduinoDriver) Open() error {
	var err error

	d.readChan = make(chan []byte, 128)
	d.writeChan = make(chan []byte, 128)
	d.ackChan = make(chan bool, 128)
	d.frameBroadcaster = NewCanFrameBroadcaster(d.l)

	// Give the port time to initialize if the Arduino has just been plugged in
	time.Sleep(ArduinoPortOpenDelay)

	mode := &serial.Mode{BaudRate: ArduinoBaudRate}
	d.port, err = serial.Open(d.portName, mode)
	if err != nil {
		return fmt.Errorf("opening port %s: %w", d.portName, err)
	}

	err = d.port.SetReadTimeout(ArduinoReadTimeout)
	if err != nil {
		_ = d.port.Close()
		return fmt.Errorf("setting read timeout: %w", err)
	}

	d.l.Info().Str("port", d.portName).Msg("arduino connected")
	return nil
}

// Start begins the driver's main loops.
func (d *ArduinoDriver) Start(ctx context.Context) {
	ctx, d.cancelFunc = context.WithCancel(ctx)

	atomic.StoreInt32(&d.isRunning, 1)

	d.wg.Add(3)
	go d.assembleFramesFromSerial(ctx)
	go d.processAndBroadcastFrames(ctx)
	go d.writeFramesToSerial(ctx)

	d.l.Info().Msg("arduino driver running")
}

// Cleanup stops the driver and releases all resources.
func (d *ArduinoDriver) Cleanup() {
	d.cleanupOnce.Do(func() {
		atomic.StoreInt32(&d.isRunning, 0)

		if d.cancelFunc != nil {
			d.cancelFunc()
		}

		// Loops exit on ctx, wait for them before closing the channels they use
		d.wg.Wait()
		if d.readChan != nil {
			close(d.readChan)
			close(d.writeChan)
			close(d.ackChan)
		}

		if d.frameBroadcaster != nil {
			d.frameBroadcaster.Cleanup()
		}

		if d.port != nil {
			if err := d.port.Close(); err != nil {
				d.l.Error().Err(err).Msg("closing port")
			} else {
				d.l.Info().Msg("serial port closed")
			}
		}
	})
}

// SendFrame sends a CAN bus frame to the Arduino and waits for it to be acknowledged.
// Do not use for high-level communications; use the isotp or uds layer instead.
func (d *ArduinoDriver) SendFrame(ctx context.Context, frame *canbus.CanFrame) error {
	if atomic.LoadInt32(&d.isRunning) == 0 {
		return errorDriverNotRunning
	}
	if frame.Bus != 0 {
		return fmt.Errorf("%w: %d", errorUnsupportedBus, frame.Bus)
	}

	// Tester present would flood the log
	if frame.Data[1] != 0x3E {
		d.l.WriteToLog(fmt.Sprintf("Send: %s", frame.String()), logging.LogTypeCanbusLog)
	}

	frameBytes := createFrameBytes(frame)
	retryDelay := ArduinoRetryDelay

	for retries := 0; retries < ArduinoMaxRetries; retries++ {
		select {
		case d.writeChan <- frameBytes:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", errorOperationCancelled, ctx.Err())
		}

		if retries > 0 {
			d.l.Debug().Int("attempt", retries+1).Hex("bytes", frameBytes).Msg("retrying send frame")
		}

		select {
		case ack := <-d.ackChan:
			if ack {
				return nil
			}
			d.l.Warn().Msg("NACK received from arduino")
		case <-time.After(ArduinoACKTimeout):
			d.l.Warn().Msg("ACK timeout")
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", errorOperationCancelled, ctx.Err())
		}

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", errorOperationCancelled, ctx.Err())
		}
		retryDelay *= ArduinoExponentialBackoffFactor
	}

	return fmt.Errorf("failed to receive ACK after %d retries", ArduinoMaxRetries)
}

// SubscribeReadFrames allows a subscriber to receive broadcasted CAN frames.
func (d *ArduinoDriver) SubscribeReadFrames() chan *canbus.CanFrame {
	return d.frameBroadcaster.Subscribe()
}

// UnsubscribeReadFrames removes a subscriber from receiving broadcasted CAN frames.
func (d *ArduinoDriver) UnsubscribeReadFrames(ch chan *canbus.CanFrame) {
	d.frameBroadcaster.Unsubscribe(ch)
}

// assembleFramesFromSerial reads raw bytes from the serial port and assembles them into frames.
func (d *ArduinoDriver) assembleFramesFromSerial(ctx context.Context) {
	defer d.wg.Done()

	var assembler frameAssembler
	byteBuffer := make([]byte, 1)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		byteBuffer[0] = 0x00
		n, err := d.port.Read(byteBuffer)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errorPortHasBeenClosed) {
				d.l.Warn().Msg("serial port has been closed")
			} else {
				d.l.Error().Err(err).Msg("reading from port")
			}
			atomic.StoreInt32(&d.isRunning, 0)
			d.cancelFunc()
			return
		}
		if n <= 0 {
			continue
		}

		event, frame, err := assembler.push(byteBuffer[0])
		switch {
		case err != nil:
			d.l.Warn().Err(err).Msg("discarding serial frame")
			d.writeErrorResponse()
		case event == assemblerACK || event == assemblerNACK:
			select {
			case d.ackChan <- event == assemblerACK:
			default:
				d.l.Warn().Msg("ackChan is full, dropping ACK/NACK")
			}
		case event == assemblerFrame:
			select {
			case d.readChan <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

// processAndBroadcastFrames reads complete frames from readChan and broadcasts them to subscribers.
func (d *ArduinoDriver) processAndBroadcastFrames(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			d.l.Debug().Msg("stopping CAN bus frame processing due to context cancellation")
			return
		case unstuffedBytes := <-d.readChan:
			frame, err := decodeFrameBytes(unstuffedBytes)
			if err != nil {
				d.writeErrorResponse()
				d.l.Warn().Err(err).Msg("decoding serial frame")
				continue
			}
			if err = d.sendResponse(ArduinoACK); err != nil {
				d.l.Warn().Err(err).Msg("failed to send ACK")
			}
			if frame.Data[1] != 0x7E {
				d.l.WriteToLog(fmt.Sprintf("Read: %s", frame.String()), logging.LogTypeCanbusLog)
			}
			d.frameBroadcaster.Broadcast(frame)
		}
	}
}

// writeFramesToSerial reads frames from the write channel and writes them to the serial port.
func (d *ArduinoDriver) writeFramesToSerial(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case frameBytes := <-d.writeChan:
			if _, err := d.port.Write(frameBytes); err != nil {
				d.l.Error().Err(err).Msg("writing to port")
				atomic.StoreInt32(&d.isRunning, 0)
				d.cancelFunc()
				return
			}
		}
	}
}

// writeErrorResponse sends a NACK response to the Arduino.
func (d *ArduinoDriver) writeErrorResponse() {
	if err := d.sendResponse(ArduinoNACK); err != nil {
		d.l.Warn().Err(err).Msg("while trying to send NACK")
	}
}

// sendResponse sends a response (ACK/NACK) to the Arduino via the write channel.
func (d *ArduinoDriver) sendResponse(response byte) error {
	select {
	case d.writeChan <- []byte{response}:
		return nil
	default:
		return errorWriteChannelSaturate
	}
}

/*
Serial protocol:
  - Start Marker: 0x7E
  - End Marker: 0x7F
  - Escape Character: 0x1B
  - Byte Stuffing:
  - Start Marker is sent as Escape Character followed by 0x01
  - End Marker is sent as Escape Character followed by 0x02
  - Escape Character is sent as Escape Character followed by 0x03
  - Frame Structure: [Start Marker][Frame Data][End Marker]
  - Frame Data: [ID High][ID Low][DLC][Data Bytes][Checksum]
  - ACK (0x06) and NACK (0x15) travel outside of frames
*/

// createFrameBytes constructs the byte sequence for a CAN bus frame with byte stuffing.
func createFrameBytes(frame *canbus.CanFrame) []byte {
	frameBytes := []byte{ArduinoStartMarker}
	for _, b := range frameToBytes(frame) {
		frameBytes = stuffByte(b, frameBytes)
	}
	return append(frameBytes, ArduinoEndMarker)
}

// frameToBytes converts the CAN frame into its unstuffed serial representation.
func frameToBytes(frame *canbus.CanFrame) []byte {
	frameBytes := []byte{byte(frame.ID >> 8), byte(frame.ID), frame.DLC}
	frameBytes = append(frameBytes, frame.Payload()...)
	return append(frameBytes, calculateCRC8(frame))
}

// decodeFrameBytes turns an unstuffed serial frame back into a CAN frame and checks its CRC.
func decodeFrameBytes(unstuffedBytes []byte) (*canbus.CanFrame, error) {
	if len(unstuffedBytes) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", errorIncompleteFrame, len(unstuffedBytes))
	}

	dlc := unstuffedBytes[2]
	if dlc > canbus.MaxDLC {
		return nil, fmt.Errorf("%w: %d", errorInvalidDLC, dlc)
	}
	if len(unstuffedBytes) < 3+int(dlc)+1 {
		return nil, fmt.Errorf("%w: expected %d bytes but got %d", errorIncompleteFrame, 3+int(dlc)+1, len(unstuffedBytes))
	}

	frame := &canbus.CanFrame{
		ID:  uint16(unstuffedBytes[0])<<8 | uint16(unstuffedBytes[1]),
		DLC: dlc,
	}
	copy(frame.Data[:], unstuffedBytes[3:3+dlc])

	receivedChecksum := unstuffedBytes[3+dlc]
	calculatedChecksum := calculateCRC8(frame)
	if calculatedChecksum != receivedChecksum {
		return nil, fmt.Errorf("%w: received %d, calculated %d", errorChecksumMismatch, receivedChecksum, calculatedChecksum)
	}
	return frame, nil
}

// stuffByte handles byte stuffing for special characters in the frame.
func stuffByte(b byte, output []byte) []byte {
	switch b {
	case ArduinoStartMarker:
		return append(output, ArduinoEscapeChar, 0x01)
	case ArduinoEndMarker:
		return append(output, ArduinoEscapeChar, 0x02)
	case ArduinoEscapeChar:
		return append(output, ArduinoEscapeChar, 0x03)
	default:
		return append(output, b)
	}
}

// unstuffByte handles byte unstuffing and returns the original byte.
func unstuffByte(b byte) (byte, error) {
	switch b {
	case 0x01:
		return ArduinoStartMarker, nil
	case 0x02:
		return ArduinoEndMarker, nil
	case 0x03:
		return ArduinoEscapeChar, nil
	default:
		return 0, errorInvalidEscape
	}
}

type assemblerEvent int

const (
	assemblerNone assemblerEvent = iota
	assemblerACK
	assemblerNACK
	assemblerFrame
)

// frameAssembler turns the serial byte stream into unstuffed frames and ACK/NACK events.
type frameAssembler struct {
	buffer  []byte
	inFrame bool
	escaped bool
}

func (a *frameAssembler) push(b byte) (assemblerEvent, []byte, error) {
	if !a.inFrame {
		switch b {
		case ArduinoACK:
			return assemblerACK, nil, nil
		case ArduinoNACK:
			return assemblerNACK, nil, nil
		case ArduinoStartMarker:
			a.inFrame = true
			a.buffer = a.buffer[:0]
		}
		return assemblerNone, nil, nil
	}

	if a.escaped {
		a.escaped = false
		unstuffed, err := unstuffByte(b)
		if err != nil {
			// Discard the entire frame if invalid escape sequence
			a.inFrame = false
			a.buffer = a.buffer[:0]
			return assemblerNone, nil, err
		}
		a.buffer = append(a.buffer, unstuffed)
		return assemblerNone, nil, nil
	}

	switch b {
	case ArduinoStartMarker:
		a.buffer = a.buffer[:0]
	case ArduinoEndMarker:
		a.inFrame = false
		frame := make([]byte, len(a.buffer))
		copy(frame, a.buffer)
		return assemblerFrame, frame, nil
	case ArduinoEscapeChar:
		a.escaped = true
	default:
		a.buffer = append(a.buffer, b)
	}
	return assemblerNone, nil, nil
}

// calculateCRC8 computes the CRC-8 checksum for the given CAN frame.
func calculateCRC8(frame *canbus.CanFrame) byte {
	crc := byte(0x00)
	const polynomial = byte(0x07) // CRC-8-CCITT

	xorShift := func(crc, b byte) byte {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ polynomial
			} else {
				crc <<= 1
			}
		}
		return crc
	}

	crc = xorShift(crc, byte(frame.ID>>8))
	crc = xorShift(crc, byte(frame.ID))
	crc = xorShift(crc, frame.DLC)
	for _, b := range frame.Payload() {
		crc = xorShift(crc, b)
	}

	return crc
}
