package trading

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Category groups entry vetoes for diagnostics.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryPositions  Category = "positions"
	CategoryHard       Category = "hard"
	CategorySoft       Category = "soft"
	CategoryTime       Category = "time"
	CategoryExecution  Category = "execution"
)

// Rejection is returned whenever a signal or an entry is vetoed. It names the
// rule that fired and the measured value against its limit.
type Rejection struct {
	Category Category
	Rule     string
	Measured decimal.Decimal
	Limit    decimal.Decimal
	Detail   string

	// CloseAll is set by rules that also require flattening open positions.
	CloseAll bool
}

func (r *Rejection) Error() string {
	msg := fmt.Sprintf("%s/%s: measured %s vs limit %s", r.Category, r.Rule, r.Measured, r.Limit)
	if r.Detail != "" {
		msg += " (" + r.Detail + ")"
	}
	return msg
}

// Fields renders the rejection as zap fields for audit logging.
func (r *Rejection) Fields() []zap.Field {
	return []zap.Field{
		zap.String("category", string(r.Category)),
		zap.String("rule", r.Rule),
		zap.Stringer("measured", r.Measured),
		zap.Stringer("limit", r.Limit),
		zap.String("detail", r.Detail),
		zap.Bool("close_all", r.CloseAll),
	}
}

// AsRejection unwraps err into a *Rejection if it carries one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
