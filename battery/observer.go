package battery

import (
	"socquery/logging"
)

// Observer is told about the progress of every query. Implementations must not block.
type Observer interface {
	AttemptFailed(id Identifier, attempt int, err error)
	QuerySucceeded(id Identifier, attempt int, soc float64)
	QueryFailed(id Identifier, attempts int)
}

// Observers forwards every event to each observer in turn.
type Observers []Observer

func (o Observers) AttemptFailed(id Identifier, attempt int, err error) {
	for _, obs := range o {
		obs.AttemptFailed(id, attempt, err)
	}
}

func (o Observers) QuerySucceeded(id Identifier, attempt int, soc float64) {
	for _, obs := range o {
		obs.QuerySucceeded(id, attempt, soc)
	}
}

func (o Observers) QueryFailed(id Identifier, attempts int) {
	for _, obs := range o {
		obs.QueryFailed(id, attempts)
	}
}

type NopObserver struct{}

func (NopObserver) AttemptFailed(Identifier, int, error)    {}
func (NopObserver) QuerySucceeded(Identifier, int, float64) {}
func (NopObserver) QueryFailed(Identifier, int)             {}

// LogObserver writes query events to the application log.
type LogObserver struct {
	l *logging.Logger
}

func NewLogObserver(l *logging.Logger) *LogObserver {
	return &LogObserver{l: l}
}

func (o *LogObserver) AttemptFailed(id Identifier, attempt int, err error) {
	o.l.Warn().
		Stringer("identifier", id).
		Int("attempt", attempt).
		Err(err).
		Msg("SOC query attempt failed")
}

func (o *LogObserver) QuerySucceeded(id Identifier, attempt int, soc float64) {
	o.l.Info().
		Stringer("identifier", id).
		Int("attempt", attempt).
		Float64("soc", soc).
		Msg("SOC read")
}

func (o *LogObserver) QueryFailed(id Identifier, attempts int) {
	o.l.Error().
		Stringer("identifier", id).
		Int("attempts", attempts).
		Msg("SOC query failed, retries exhausted")
}
