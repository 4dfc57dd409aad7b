package ticker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/rs/zerolog"
)

// Broadcaster sends a frame to every connected client
type Broadcaster interface {
	Broadcast(message []byte)
	ClientCount() int
}

// SequenceSource reports the last published sequence number
type SequenceSource interface {
	CurrentSequence() uint64
}

// Ticker periodically broadcasts heartbeats carrying the current sequence
// number, so idle clients can detect missed events and resync
type Ticker struct {
	hub      Broadcaster
	sequence SequenceSource
	interval time.Duration
	logger   zerolog.Logger
}

// NewTicker creates a new Ticker
func NewTicker(hub Broadcaster, sequence SequenceSource, interval time.Duration, logger zerolog.Logger) *Ticker {
	return &Ticker{
		hub:      hub,
		sequence: sequence,
		interval: interval,
		logger:   logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Heartbeat builds one heartbeat frame
func (t *Ticker) Heartbeat(now time.Time) ([]byte, error) {
	return json.Marshal(types.ServerMessage{
		Type:           types.MessageHeartbeat,
		SequenceNumber: t.sequence.CurrentSequence(),
		Timestamp:      now.UTC(),
	})
}

// Start begins broadcasting heartbeats
func (t *Ticker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("ticker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("ticker stopped")
			return

		case now := <-ticker.C:
			data, err := t.Heartbeat(now)
			if err != nil {
				t.logger.Error().Err(err).Msg("failed to marshal heartbeat")
				continue
			}

			t.hub.Broadcast(data)
			t.logger.Debug().
				Uint64("sequence", t.sequence.CurrentSequence()).
				Int("clients", t.hub.ClientCount()).
				Msg("broadcasted heartbeat")
		}
	}
}
