// Package symbol handles coverage tranche symbol parsing and validation.
// A symbol encodes the trigger terms a tranche sells, so a malformed one
// points at bad product data upstream.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/model"
)

// symbolRegex matches: DNYK-{pair}-{BELOW|ABOVE}-{threshold}-{YYYYMMDD}
// Example: DNYK-BTCUSD-BELOW-54000-20260401
var symbolRegex = regexp.MustCompile(
	`^DNYK-([A-Z0-9]+)-(BELOW|ABOVE)-([0-9]+(?:\.[0-9]+)?)-(\d{8})$`,
)

var (
	ErrInvalidSymbol    = errors.New("symbol: invalid format")
	ErrInvalidDirection = errors.New("symbol: unsupported trigger direction")
)

// Symbol represents a parsed tranche symbol.
type Symbol struct {
	Raw       string                 `json:"raw"`
	Pair      string                 `json:"pair"`
	Direction model.TriggerDirection `json:"direction"`
	Threshold decimal.Decimal        `json:"threshold"`
	Date      time.Time              `json:"date"`
}

// Parse parses and validates a tranche symbol string.
// Format: DNYK-{pair}-{BELOW|ABOVE}-{threshold}-{YYYYMMDD}
func Parse(s string) (*Symbol, error) {
	matches := symbolRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected DNYK-{pair}-{BELOW|ABOVE}-{threshold}-{YYYYMMDD})",
			ErrInvalidSymbol, s)
	}

	var direction model.TriggerDirection
	switch matches[2] {
	case "BELOW":
		direction = model.PriceBelow
	case "ABOVE":
		direction = model.PriceAbove
	}

	threshold, err := decimal.NewFromString(matches[3])
	if err != nil {
		return nil, fmt.Errorf("%w: threshold %s", ErrInvalidSymbol, matches[3])
	}
	date, err := time.Parse("20060102", matches[4])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidSymbol, matches[4])
	}

	return &Symbol{
		Raw:       s,
		Pair:      matches[1],
		Direction: direction,
		Threshold: threshold,
		Date:      date,
	}, nil
}

// Build constructs the canonical symbol for the given trigger terms.
func Build(pair string, direction model.TriggerDirection, threshold decimal.Decimal, maturity time.Time) (string, error) {
	var dir string
	switch direction {
	case model.PriceBelow:
		dir = "BELOW"
	case model.PriceAbove:
		dir = "ABOVE"
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidDirection, direction)
	}
	return fmt.Sprintf("DNYK-%s-%s-%s-%s",
		strings.ToUpper(pair), dir, threshold.String(), maturity.Format("20060102")), nil
}
