package execution

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"capital-gate/trading"
)

// PendingTimeout bounds how long an accepted order without a position id
// counts against the position limit while waiting to show up at the venue.
const PendingTimeout = 5 * time.Minute

type pendingEntry struct {
	orderID string
	pos     trading.Position
	since   time.Time
}

// Book tracks the open positions owned by one strategy, plus accepted orders
// the venue has not reported as positions yet. It is owned by the polling
// loop and is not safe for concurrent use.
type Book struct {
	strategyID string
	positions  map[string]trading.Position
	pending    []pendingEntry
	logger     *zap.Logger
	now        func() time.Time
}

func NewBook(strategyID string, logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{
		strategyID: strategyID,
		positions:  make(map[string]trading.Position),
		logger:     logger.With(zap.String("component", "book")),
		now:        time.Now,
	}
}

// Track adds a position opened by this process ahead of the next Sync.
func (b *Book) Track(pos trading.Position) {
	if pos.StrategyID == "" {
		pos.StrategyID = b.strategyID
	}
	b.positions[pos.ID] = pos
}

// TrackPending records an accepted order whose position id is not known yet.
// It is resolved by the first Sync that adopts a new position with the same
// symbol and side, or dropped after PendingTimeout.
func (b *Book) TrackPending(orderID string, pos trading.Position) {
	if pos.StrategyID == "" {
		pos.StrategyID = b.strategyID
	}
	b.pending = append(b.pending, pendingEntry{orderID: orderID, pos: pos, since: b.now()})
}

func (b *Book) Get(id string) (trading.Position, bool) {
	pos, ok := b.positions[id]
	return pos, ok
}

// Remove forgets a position. Used for simulated closes.
func (b *Book) Remove(id string) {
	delete(b.positions, id)
}

// Reduce lowers the volume of a tracked position, removing it at zero.
func (b *Book) Reduce(id string, volume decimal.Decimal) {
	pos, ok := b.positions[id]
	if !ok {
		return
	}
	pos.Volume = pos.Volume.Sub(volume)
	if !pos.Volume.IsPositive() {
		delete(b.positions, id)
		return
	}
	b.positions[id] = pos
}

// Count is the number of slots in use: open positions and pending orders.
func (b *Book) Count() int {
	return len(b.positions) + len(b.pending)
}

func (b *Book) Pending() int {
	return len(b.pending)
}

// Positions returns the open positions, oldest first. Pending orders are not
// included.
func (b *Book) Positions() []trading.Position {
	out := make([]trading.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out
}

// Overdue returns positions held longer than maxHold. A non-positive maxHold
// disables the check.
func (b *Book) Overdue(now time.Time, maxHold time.Duration) []trading.Position {
	if maxHold <= 0 {
		return nil
	}
	var out []trading.Position
	for _, p := range b.Positions() {
		if !p.OpenTime.IsZero() && now.Sub(p.OpenTime) >= maxHold {
			out = append(out, p)
		}
	}
	return out
}

// Sync reconciles the book with the venue and returns the positions that
// closed since the previous Sync. A tracked position missing from the venue
// listing is queried individually; if that query fails the position stays
// tracked and is retried on the next Sync. Simulated positions are never
// looked up at the venue.
func (b *Book) Sync(ctx context.Context, venue Venue) ([]trading.ClosedPosition, error) {
	live, err := venue.Positions(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(live))
	for _, p := range live {
		if p.StrategyID != b.strategyID {
			continue
		}
		seen[p.ID] = true
		if _, known := b.positions[p.ID]; !known {
			b.logger.Info("Adopted position from venue", zap.String("position_id", p.ID), zap.String("symbol", p.Symbol))
			b.resolvePending(p)
		}
		b.positions[p.ID] = p
	}
	b.expirePending()

	var closed []trading.ClosedPosition
	for _, id := range b.ids() {
		pos := b.positions[id]
		if seen[id] || pos.Simulated {
			continue
		}

		status, err := venue.QueryPosition(ctx, id)
		switch {
		case errors.Is(err, ErrPositionNotFound):
			b.logger.Warn("Position vanished without a close record", zap.String("position_id", id))
			closed = append(closed, trading.ClosedPosition{Position: pos, CloseTime: b.now(), Reason: "unknown"})
			delete(b.positions, id)
		case err != nil:
			b.logger.Warn("Position query failed, keeping it tracked", zap.String("position_id", id), zap.Error(err))
		case status.Open:
			// listing raced with the query
		default:
			closed = append(closed, trading.ClosedPosition{
				Position:    pos,
				ClosePrice:  status.ClosePrice,
				RealizedPnL: status.RealizedPnL,
				CloseTime:   closeTime(status.CloseTime, b.now()),
				Reason:      status.Reason,
			})
			delete(b.positions, id)
		}
	}

	return closed, nil
}

// resolvePending drops the oldest pending order matching an adopted position.
func (b *Book) resolvePending(p trading.Position) {
	for i, e := range b.pending {
		if e.pos.Symbol == p.Symbol && e.pos.Side == p.Side {
			b.logger.Debug("Pending order resolved", zap.String("order_id", e.orderID), zap.String("position_id", p.ID))
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return
		}
	}
}

func (b *Book) expirePending() {
	now := b.now()
	kept := b.pending[:0]
	for _, e := range b.pending {
		if now.Sub(e.since) >= PendingTimeout {
			b.logger.Warn("Pending order never appeared at the venue",
				zap.String("order_id", e.orderID),
				zap.String("symbol", e.pos.Symbol),
				zap.Time("since", e.since))
			continue
		}
		kept = append(kept, e)
	}
	b.pending = kept
}

func (b *Book) ids() []string {
	ids := make([]string, 0, len(b.positions))
	for id := range b.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func closeTime(reported, fallback time.Time) time.Time {
	if reported.IsZero() {
		return fallback
	}
	return reported
}
