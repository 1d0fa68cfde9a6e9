/**
 * @description
 * Monetary amount parsing for contract terms. Extracted terms carry amounts
 * as free-form strings ("$1,500.00", "(200)", "€3 000"); everything that
 * later touches the ledger or the smart contract goes through ParseAmount
 * first.
 *
 * @dependencies
 * - errors, fmt, strconv, strings: Standard Go libraries.
 */

package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ContractDecimals is the USDC minor-unit exponent: on-chain amounts are
// expressed in units of 10^-6 USDC.
const ContractDecimals = 1e6

// ErrInvalidAmount is returned for monetary strings that do not parse or
// fail the sign rules. Callers match on it with errors.Is.
var ErrInvalidAmount = errors.New("invalid monetary amount")

// ParseAmount converts a free-form monetary string into a float amount. It
// strips currency symbols, thousands separators and whitespace, and
// normalizes the Unicode minus sign. A parenthesized input is accounting
// notation and always yields a negative number; outside that path, amounts
// that parse to zero or negative are rejected. Errors carry the original
// string.
func ParseAmount(raw string) (float64, error) {
	clean := strings.TrimSpace(raw)

	negative := false
	if strings.HasPrefix(clean, "(") && strings.HasSuffix(clean, ")") {
		negative = true
		clean = clean[1 : len(clean)-1]
	}

	// U+2212 minus sign appears in some extracted documents
	clean = strings.ReplaceAll(clean, "−", "-")

	var b strings.Builder
	for _, r := range clean {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		case r == '$', r == '€', r == '£', r == ',':
			// currency symbols and thousands separators
		case r == ' ', r == '\t', r == ' ':
			// embedded whitespace, including non-breaking spaces
		default:
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
		}
	}

	amount, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if negative {
		if amount < 0 {
			amount = -amount
		}
		return -amount, nil
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount %q must be positive", ErrInvalidAmount, raw)
	}
	return amount, nil
}

// ContractUnits converts a USDC amount into the integer minor units the
// smart contract operates on.
func ContractUnits(amount float64) int64 {
	return int64(amount * ContractDecimals)
}
