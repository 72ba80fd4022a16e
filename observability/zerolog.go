package observability

import (
	"context"

	"github.com/rs/zerolog"
)

// ZerologObserver emits events through a zerolog.Logger. It exists alongside
// SlogObserver as a second structured-logging backend for deployments that
// already standardize on zerolog's allocation-free encoder.
type ZerologObserver struct {
	logger zerolog.Logger
}

// NewZerologObserver creates a ZerologObserver that emits to the given logger.
func NewZerologObserver(logger zerolog.Logger) *ZerologObserver {
	return &ZerologObserver{logger: logger}
}

func (o *ZerologObserver) OnEvent(ctx context.Context, event Event) {
	zl := zerologLevel(event.Level)
	evt := o.logger.WithLevel(zl).Str("source", event.Source)
	for k, v := range event.Data {
		evt = evt.Interface(k, v)
	}
	evt.Msg(string(event.Type))
}

func zerologLevel(l Level) zerolog.Level {
	switch {
	case l <= 8:
		return zerolog.DebugLevel
	case l <= 12:
		return zerolog.InfoLevel
	case l <= 16:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
