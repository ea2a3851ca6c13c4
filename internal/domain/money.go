package domain

import "fmt"

// Money is an amount in minor currency units (cents).
type Money int64

// String renders the amount with two decimals, e.g. 5.00.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Cents returns the raw minor-unit value.
func (m Money) Cents() int64 {
	return int64(m)
}
