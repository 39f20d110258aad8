// Package domain defines the core types shared by the ledger, the flows and their collaborators.
package domain

import (
	"fmt"
	"strings"
)

// Pair is a price feed reference: the price of From quoted in To.
type Pair struct {
	// From base asset symbol.
	From string
	// To quote asset symbol.
	To string
}

// String returns the BASE_QUOTE form used in configuration and registrations.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.From, p.To)
}

// Symbol returns the concatenated exchange symbol, e.g. ETHUSDT.
func (p Pair) Symbol() string {
	return fmt.Sprintf("%s%s", p.From, p.To)
}

// ParsePair parses a BASE_QUOTE feed reference.
func ParsePair(ref string) (Pair, error) {
	elements := strings.Split(strings.TrimSpace(ref), "_")
	if len(elements) != 2 || elements[0] == "" || elements[1] == "" {
		return Pair{}, fmt.Errorf("invalid feed reference %q, expected BASE_QUOTE", ref)
	}

	return Pair{From: strings.ToUpper(elements[0]), To: strings.ToUpper(elements[1])}, nil
}
