package storage

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Numeric columns travel as text so no precision is lost in float conversion.

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

type decimalField struct {
	name string
	raw  *string
	dst  *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		d, err := parseDecimal(f.name, *f.raw)
		if err != nil {
			return err
		}
		*f.dst = d
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
