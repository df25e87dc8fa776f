package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"socquery/battery"
	"socquery/config"
	"socquery/drivers"
	"socquery/ecus"
	"socquery/logging"
	"socquery/uds"
)

// session is an open bus with the target ECU resolved.
type session struct {
	d            drivers.Driver
	ecu          ecus.ECU
	l            *logging.Logger
	totalTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sim    *ecus.Simulator
}

func openSession(ctx context.Context, cfg config.Config, l *logging.Logger) (*session, error) {
	ecu, err := cfg.Target()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{ecu: ecu, l: l, totalTimeout: cfg.TotalTimeout, cancel: cancel}

	switch cfg.Driver {
	case config.DriverVirtual:
		s.d = drivers.NewVirtualDriver("simulated", l)
		s.sim = ecus.NewSimulator(s.d, ecu, l)
		s.sim.SetSOC(battery.IdentifierBMS, cfg.Simulator.BMSRaw)
		s.sim.SetSOC(battery.IdentifierDisplay, cfg.Simulator.DisplayRaw)
		s.sim.DropEvery(cfg.Simulator.DropEvery)
		if err := s.sim.Start(ctx); err != nil {
			s.Close()
			return nil, err
		}
	default:
		d, err := openArduino(ctx, cfg.Port, l)
		if err != nil {
			cancel()
			return nil, err
		}
		s.d = d
	}
	l.Info().Stringer("driver", s.d).Stringer("ecu", ecu).Msg("bus open")

	if cfg.TesterPresent {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ecus.TesterPresentLoop(ctx, s.d, ecu, ecus.TesterPresentDelay, l)
		}()
	}

	if err := settle(ctx, cfg.Settle); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func openArduino(ctx context.Context, port string, l *logging.Logger) (*drivers.ArduinoDriver, error) {
	var (
		d   *drivers.ArduinoDriver
		err error
	)
	if port != "" {
		d = drivers.NewArduinoDriver(port, l)
	} else if d, err = drivers.FirstArduino(l); err != nil {
		return nil, err
	}
	if err := d.Open(); err != nil {
		return nil, err
	}
	d.Start(ctx)
	return d, nil
}

// settle gives the bus time to stabilise before the first request.
func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
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

// client builds a query client reporting to the log and to any extra observers.
func (s *session) client(opts battery.Options, extra ...battery.Observer) *battery.Client {
	observers := append(battery.Observers{battery.NewLogObserver(s.l)}, extra...)
	transport := uds.NewParallelQuery(s.d, s.l)
	transport.TotalTimeout = s.totalTimeout
	return battery.NewClient(transport, observers, opts)
}

func (s *session) poller(opts battery.Options, ids []battery.Identifier, extra ...battery.Observer) *battery.Poller {
	return battery.NewPoller(s.client(opts, extra...), s.ecu.Address, s.ecu.Bus, ids...)
}

func (s *session) Close() {
	s.cancel()
	s.wg.Wait()
	if s.sim != nil {
		s.sim.Cleanup()
	}
	if s.d != nil {
		s.d.Cleanup()
	}
}

func parseIdentifiers(args []string) ([]battery.Identifier, error) {
	if len(args) == 0 {
		return battery.Identifiers(), nil
	}
	ids := make([]battery.Identifier, 0, len(args))
	for _, arg := range args {
		id, err := battery.ParseIdentifier(arg)
		if err != nil {
			return nil, fmt.Errorf("%w (want bms or display)", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
