package exchange

import (
	"fmt"
	"strconv"

	"marketflow/internal/book"
	"marketflow/models"
)

// Levels converts the [["price","qty",...], ...] arrays every supported
// exchange uses into book levels.
func Levels(field string, raw [][]string) ([]book.PriceLevel, error) {
	out := make([]book.PriceLevel, 0, len(raw))
	for i, l := range raw {
		if len(l) < 2 {
			return nil, models.NewMalformedPayload(fmt.Sprintf("%s[%d]", field, i), fmt.Sprint(l), false,
				fmt.Errorf("expected price and quantity"))
		}
		out = append(out, book.PriceLevel{Price: l[0], Quantity: l[1]})
	}
	return out, nil
}

// SequencedLevels is Levels for [["price","qty","sequence"], ...] arrays.
func SequencedLevels(field string, raw [][]string) ([]book.PriceLevel, error) {
	out := make([]book.PriceLevel, 0, len(raw))
	for i, l := range raw {
		name := fmt.Sprintf("%s[%d]", field, i)
		if len(l) < 3 {
			return nil, models.NewMalformedPayload(name, fmt.Sprint(l), true,
				fmt.Errorf("expected price, quantity and sequence"))
		}
		seq, err := strconv.ParseUint(l[2], 10, 64)
		if err != nil {
			return nil, models.NewMalformedPayload(name+".sequence", l[2], true, err)
		}
		out = append(out, book.PriceLevel{Price: l[0], Quantity: l[1], Sequence: seq})
	}
	return out, nil
}

// ParseID parses a decimal id carried as a string. Failures are critical
// because ids drive gap detection.
func ParseID(field, s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, models.NewMalformedPayload(field, s, true, err)
	}
	return id, nil
}
