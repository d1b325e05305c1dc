// Package bigint stores chain-precision token amounts without loss.
//
// Amounts travel through the system as big.Int in memory and as
// fixed-width, zero-padded decimal strings at the Store and JSON
// boundaries, so lexicographic ordering of stored non-negative values
// matches numeric ordering and no value is silently truncated to 64 bits.
package bigint

import (
	"database/sql/driver"
	"fmt"
	"math/big"
)

// width is the zero-padded digit width used for on-disk storage. Solana
// token supplies fit comfortably under 10^38 even at 18 decimals, so 40
// digits leaves headroom without ever overflowing int64 lexical ordering.
const width = 40

// Amount wraps a big.Int for GORM columns and JSON.
type Amount struct {
	big.Int
}

// NewAmount builds an Amount from an int64, for tests and literals.
func NewAmount(v int64) Amount {
	var a Amount
	a.SetInt64(v)
	return a
}

// Zero reports whether the amount is exactly zero.
func (a Amount) Zero() bool {
	return a.Sign() == 0
}

// Add returns a new Amount holding a+b.
func Add(a, b Amount) Amount {
	var out Amount
	out.Add(&a.Int, &b.Int)
	return out
}

// Sub returns a new Amount holding a-b, clamped at zero (balances never
// go negative per spec: "clamped at zero").
func Sub(a, b Amount) Amount {
	var out big.Int
	out.Sub(&a.Int, &b.Int)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return Amount{out}
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a.Cmp(&b.Int) >= 0 {
		return a
	}
	return b
}

// Value implements driver.Valuer, encoding as a sign-prefixed, zero-padded
// decimal string so that equal-width strings of non-negative values sort
// lexicographically the same as the integers they represent. Negative
// values do not: they sort after every non-negative one.
func (a Amount) Value() (driver.Value, error) {
	return encode(&a.Int), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src interface{}) error {
	if src == nil {
		a.SetInt64(0)
		return nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("bigint: unsupported scan source %T", src)
	}
	return a.decode(s)
}

// MarshalJSON encodes as the same sign-prefixed, zero-padded decimal
// string Value writes, so amounts exceeding 64-bit precision cross the
// API boundary as fixed-width strings.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + encode(&a.Int) + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		a.SetInt64(0)
		return nil
	}
	_, ok := a.SetString(s, 10)
	if !ok {
		return fmt.Errorf("bigint: invalid amount %q", s)
	}
	return nil
}

func encode(v *big.Int) string {
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	s := abs.String()
	if len(s) < width {
		s = fmt.Sprintf("%0*s", width, s)
	}
	if neg {
		return "-" + s
	}
	return "+" + s
}

func (a *Amount) decode(s string) error {
	if s == "" {
		a.SetInt64(0)
		return nil
	}
	_, ok := a.SetString(s, 10)
	if ok {
		return nil
	}
	// Fall back to the sign-prefixed padded wire format.
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		_, ok = a.SetString(s[1:], 10)
		if ok {
			if s[0] == '-' {
				a.Neg(&a.Int)
			}
			return nil
		}
	}
	return fmt.Errorf("bigint: cannot decode %q", s)
}

// GormDataType tells GORM's automigration what column type to use.
func (Amount) GormDataType() string {
	return "varchar(48)"
}
