// Package indicators provides rolling statistics over streams of decimal
// samples, such as the spread baseline used by the execution-quality check.
package indicators

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrNoData is returned when a window has not received any samples.
var ErrNoData = errors.New("no data available")

// RollingWindow is a fixed-size ring buffer that keeps a running sum.
type RollingWindow struct {
	values   []decimal.Decimal
	sum      decimal.Decimal
	position int
	size     int
	full     bool
	mu       sync.RWMutex
}

// NewRollingWindow returns a window holding at most size samples. Sizes below
// one are treated as one.
func NewRollingWindow(size int) *RollingWindow {
	if size < 1 {
		size = 1
	}
	return &RollingWindow{
		values: make([]decimal.Decimal, size),
		size:   size,
	}
}

// Add pushes a sample, evicting the oldest one once the window is full.
func (rw *RollingWindow) Add(value decimal.Decimal) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.full {
		rw.sum = rw.sum.Sub(rw.values[rw.position])
	}

	rw.values[rw.position] = value
	rw.sum = rw.sum.Add(value)
	rw.position = (rw.position + 1) % rw.size

	if !rw.full && rw.position == 0 {
		rw.full = true
	}
}

// Average returns the mean of the samples in the window, or ErrNoData.
func (rw *RollingWindow) Average() (decimal.Decimal, error) {
	rw.mu.RLock()
	defer rw.mu.RUnlock()

	count := rw.count()
	if count == 0 {
		return decimal.Zero, ErrNoData
	}
	return rw.sum.Div(decimal.NewFromInt(int64(count))), nil
}

func (rw *RollingWindow) Count() int {
	rw.mu.RLock()
	defer rw.mu.RUnlock()
	return rw.count()
}

func (rw *RollingWindow) count() int {
	if rw.full {
		return rw.size
	}
	return rw.position
}

func (rw *RollingWindow) IsFull() bool {
	rw.mu.RLock()
	defer rw.mu.RUnlock()
	return rw.full
}

// Values returns the samples oldest first.
func (rw *RollingWindow) Values() []decimal.Decimal {
	rw.mu.RLock()
	defer rw.mu.RUnlock()

	values := make([]decimal.Decimal, 0, rw.count())
	if rw.full {
		for i := 0; i < rw.size; i++ {
			idx := (rw.position + i) % rw.size
			values = append(values, rw.values[idx])
		}
	} else {
		values = append(values, rw.values[:rw.position]...)
	}
	return values
}

// Latest returns the most recent sample.
func (rw *RollingWindow) Latest() (decimal.Decimal, error) {
	rw.mu.RLock()
	defer rw.mu.RUnlock()

	if rw.count() == 0 {
		return decimal.Zero, ErrNoData
	}

	latestIdx := rw.position - 1
	if latestIdx < 0 {
		latestIdx = rw.size - 1
	}
	return rw.values[latestIdx], nil
}
