package projection

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_sinks.go -package=mocks . Store,Publisher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/horizon-vpn/settlement-hub/internal/domain/escrow"
	"github.com/horizon-vpn/settlement-hub/internal/domain/node"
	"github.com/horizon-vpn/settlement-hub/internal/ledger"
)

// SubjectPrefix prefixes every published ledger event subject.
const SubjectPrefix = "escrow."

// Store is the relational read model.
type Store interface {
	SaveSession(ctx context.Context, s escrow.Session) error
	SaveSettlement(ctx context.Context, s escrow.Session, st escrow.Settlement) error
	SaveNode(ctx context.Context, n node.Node) error
	AppendEvents(ctx context.Context, events []ledger.Event) error
}

// Publisher fans events out to the message bus. msgID lets the broker drop
// duplicates when a receipt is projected twice.
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, v any) error
}

// Broadcaster pushes events to live stream clients. It never blocks.
type Broadcaster interface {
	Broadcast(subject, msgID string, v any)
}

// Recorder receives projection counters.
type Recorder interface {
	ObserveEvent(eventType string, committedAt time.Time)
	ObserveSettlement(payout, refund, fee float64)
	SinkError(sink string)
}

// Service projects committed receipts into the read model, the bus and
// metrics. Every sink is optional.
type Service struct {
	store     Store
	publisher Publisher
	recorder  Recorder
	live      Broadcaster
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewService creates a projection service. Nil sinks are skipped.
func NewService(store Store, publisher Publisher, recorder Recorder, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		recorder:  recorder,
		timeout:   10 * time.Second,
		logger:    logger.With().Str("service", "projection").Logger(),
	}
}

// Subject returns the bus subject for an event type.
func Subject(eventType string) string {
	return SubjectPrefix + strings.ToLower(eventType)
}

// WithLive adds a live stream sink.
func (s *Service) WithLive(b Broadcaster) *Service {
	s.live = b
	return s
}

// Handle projects one receipt. Sinks run independently; the returned error
// joins every sink failure.
func (s *Service) Handle(ctx context.Context, receipt ledger.Receipt) error {
	var errs []error
	if s.store != nil {
		if err := s.project(ctx, receipt); err != nil {
			s.sinkError("postgres")
			errs = append(errs, fmt.Errorf("store %s: %w", receipt.TxID, err))
		}
	}
	if s.publisher != nil {
		for _, event := range receipt.Events {
			if err := s.publisher.Publish(ctx, Subject(event.Type), event.EventID, event); err != nil {
				s.sinkError("nats")
				errs = append(errs, fmt.Errorf("publish %s: %w", event.EventID, err))
				break
			}
		}
	}
	if s.live != nil {
		for _, event := range receipt.Events {
			s.live.Broadcast(Subject(event.Type), event.EventID, event)
		}
	}
	if s.recorder != nil {
		for _, event := range receipt.Events {
			s.recorder.ObserveEvent(event.Type, receipt.CommittedAt)
		}
		if st := receipt.Settlement; st != nil {
			s.recorder.ObserveSettlement(toFloat(st.NetOperatorPayout), toFloat(st.BuyerRefund), toFloat(st.PlatformFee))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) project(ctx context.Context, receipt ledger.Receipt) error {
	if receipt.Session != nil {
		if err := s.store.SaveSession(ctx, *receipt.Session); err != nil {
			return err
		}
		if receipt.Settlement != nil {
			if err := s.store.SaveSettlement(ctx, *receipt.Session, *receipt.Settlement); err != nil {
				return err
			}
		}
	}
	if receipt.Node != nil {
		if err := s.store.SaveNode(ctx, *receipt.Node); err != nil {
			return err
		}
	}
	if len(receipt.Events) > 0 {
		return s.store.AppendEvents(ctx, receipt.Events)
	}
	return nil
}

// Run drains the commit feed until ctx ends or the feed closes.
func (s *Service) Run(ctx context.Context, feed <-chan ledger.Receipt) {
	for {
		select {
		case <-ctx.Done():
			return
		case receipt, ok := <-feed:
			if !ok {
				return
			}
			hctx, cancel := context.WithTimeout(ctx, s.timeout)
			if err := s.Handle(hctx, receipt); err != nil {
				s.logger.Error().Err(err).
					Str("txId", receipt.TxID).
					Str("op", string(receipt.Op)).
					Msg("projection failed")
			}
			cancel()
		}
	}
}

func (s *Service) sinkError(sink string) {
	if s.recorder != nil {
		s.recorder.SinkError(sink)
	}
}

func toFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
