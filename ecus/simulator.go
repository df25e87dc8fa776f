package ecus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"socquery/battery"
	"socquery/drivers"
	"socquery/isotp"
	"socquery/logging"
	"socquery/uds"
)

// Lengths of the positive responses a real BMS sends for each identifier.
const (
	bmsRecordLength     = 62
	displayRecordLength = 46
)

// Simulator plays a BMS on a driver, answering ReadDataByIdentifier from a table of records.
type Simulator struct {
	isRunning  int32
	d          drivers.Driver
	ecu        ECU
	l          *logging.Logger
	wg         sync.WaitGroup
	cancelFunc context.CancelFunc

	mu        sync.Mutex
	records   map[uint16][]byte
	dropEvery int
	requests  int
}

func NewSimulator(d drivers.Driver, ecu ECU, l *logging.Logger) *Simulator {
	s := &Simulator{
		d:       d,
		ecu:     ecu,
		l:       l,
		records: make(map[uint16][]byte),
	}
	s.SetRecord(battery.IdentifierBMS.Code(), newRecord(battery.IdentifierBMS, bmsRecordLength))
	s.SetRecord(battery.IdentifierDisplay.Code(), newRecord(battery.IdentifierDisplay, displayRecordLength))
	return s
}

func newRecord(id battery.Identifier, length int) []byte {
	record := make([]byte, length)
	copy(record, id.ResponsePrefix())
	return record
}

func (s *Simulator) String() string {
	return fmt.Sprintf("Simulated %s", s.ecu)
}

// SetSOC stores raw, in half-percent steps, as the SOC byte reported for id.
func (s *Simulator) SetSOC(id battery.Identifier, raw byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := id.ResponsePrefix()
	pos := len(prefix) + id.Offset()
	record := s.records[id.Code()]
	if len(record) <= pos {
		grown := make([]byte, pos+1)
		copy(grown, record)
		record = grown
	}
	copy(record, prefix)
	record[pos] = raw
	s.records[id.Code()] = record
}

// SetRecord replaces the full positive response sent for did.
func (s *Simulator) SetRecord(did uint16, response []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[did] = append([]byte(nil), response...)
}

// DropEvery makes the simulator ignore every n-th ReadDataByIdentifier request. Zero answers
// them all.
func (s *Simulator) DropEvery(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropEvery = n
}

// Start serves requests until ctx is done or Cleanup is called.
func (s *Simulator) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 0, 1) {
		return fmt.Errorf("%s is already running", s)
	}
	ctx, s.cancelFunc = context.WithCancel(ctx)

	// Subscribe before returning so requests sent right after Start are seen
	link := isotp.NewLink(s.d, s.ecu.Address.ECULinkConfig(s.ecu.Bus), s.l)

	s.wg.Add(1)
	go s.serve(ctx, link)

	s.l.WriteToLog(fmt.Sprintf("%s running", s), logging.LogTypeLog)
	return nil
}

func (s *Simulator) Cleanup() {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 1, 0) {
		return
	}
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.wg.Wait()
}

func (s *Simulator) serve(ctx context.Context, link *isotp.Link) {
	defer s.wg.Done()
	defer link.Close()

	for {
		request, err := link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, isotp.ErrLinkClosed) {
				return
			}
			s.l.WriteToLog(fmt.Sprintf("Simulator: %v", err), logging.LogTypeLog)
			continue
		}

		response := s.handle(request)
		if response == nil {
			continue
		}
		if err := link.Send(ctx, response); err != nil && ctx.Err() == nil {
			s.l.WriteToLog(fmt.Sprintf("Simulator: failed to answer: %v", err), logging.LogTypeLog)
		}
	}
}

// handle returns the response to request, or nil when the simulator stays silent.
func (s *Simulator) handle(request []byte) []byte {
	if len(request) == 0 {
		return nil
	}
	serviceID := request[0]

	switch serviceID {
	case uds.ServiceReadDataByIdentifier:
		if len(request) != 3 {
			return negativeResponse(serviceID, uds.NRCIncorrectMessageLengthOrInvalidFormat)
		}
		did := uint16(request[1])<<8 | uint16(request[2])

		s.mu.Lock()
		defer s.mu.Unlock()
		s.requests++
		if s.dropEvery > 0 && s.requests%s.dropEvery == 0 {
			return nil
		}
		record, ok := s.records[did]
		if !ok {
			return negativeResponse(serviceID, uds.NRCRequestOutOfRange)
		}
		return append([]byte(nil), record...)

	case uds.ServiceTesterPresent:
		if len(request) > 1 && request[1]&uds.SubfunctionSuppressPositiveResponse != 0 {
			return nil
		}
		return []byte{uds.PositiveResponseID(serviceID), 0x00}

	default:
		return negativeResponse(serviceID, uds.NRCServiceNotSupported)
	}
}

func negativeResponse(serviceID, nrc byte) []byte {
	isSuccess := false
	m := &uds.Message{ServiceID: serviceID, NRC: &nrc, IsSuccess: &isSuccess}
	return m.ToRawData()
}
