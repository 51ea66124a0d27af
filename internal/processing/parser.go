package processing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Each group on the wire is "[ii:vvvv]": bracket, 2 hex id, colon, 4 hex value, bracket.
const groupWidth = 9

var (
	ErrMalformedLine    = errors.New("malformed sensor line")
	ErrIncompleteSample = errors.New("incomplete sensor set")
)

// Reading is one (sensor id, raw value) pair as it appeared on the line.
type Reading struct {
	ID    uint8
	Value uint16
}

type MalformedLineError struct {
	Line   string
	Reason string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("[processor] malformed line %q: %s", e.Line, e.Reason)
}

func (e *MalformedLineError) Unwrap() error {
	return ErrMalformedLine
}

type IncompleteSampleError struct {
	Matched int
	Want    int
}

func (e *IncompleteSampleError) Error() string {
	return fmt.Sprintf("[processor] matched %d of %d sensors", e.Matched, e.Want)
}

func (e *IncompleteSampleError) Unwrap() error {
	return ErrIncompleteSample
}

// ParseLine decodes a line of n groups such as "[48:1606][49:1665][4a:1314]".
// The readings come back in line order.
func ParseLine(line string, n int) ([]Reading, error) {
	line = strings.TrimSpace(line)
	end := groupWidth*n - 1

	if n <= 0 {
		return nil, &MalformedLineError{Line: line, Reason: "no groups expected"}
	}
	if len(line) == 0 || line[0] != '[' {
		return nil, &MalformedLineError{Line: line, Reason: "missing opening bracket"}
	}
	if len(line) <= end || line[end] != ']' {
		return nil, &MalformedLineError{Line: line, Reason: fmt.Sprintf("missing closing bracket at offset %d", end)}
	}
	if len(line) != end+1 {
		return nil, &MalformedLineError{Line: line, Reason: "trailing characters after last group"}
	}

	readings := make([]Reading, n)
	for k := 0; k < n; k++ {
		group := line[k*groupWidth : (k+1)*groupWidth]
		if group[0] != '[' || group[3] != ':' || group[8] != ']' {
			return nil, &MalformedLineError{Line: line, Reason: fmt.Sprintf("group %d is not [id:value]", k)}
		}

		id, err := strconv.ParseUint(group[1:3], 16, 8)
		if err != nil {
			return nil, &MalformedLineError{Line: line, Reason: fmt.Sprintf("group %d id: %v", k, err)}
		}
		value, err := strconv.ParseUint(group[4:8], 16, 16)
		if err != nil {
			return nil, &MalformedLineError{Line: line, Reason: fmt.Sprintf("group %d value: %v", k, err)}
		}

		readings[k] = Reading{ID: uint8(id), Value: uint16(value)}
	}

	return readings, nil
}

// MapToCanonical places each reading at the index of its id in canonical.
// Every match counts, so a line carrying the same id twice can make up for a
// missing one and the missing slot is left at zero.
func MapToCanonical(readings []Reading, canonical []uint8) ([]uint16, error) {
	values := make([]uint16, len(canonical))
	matched := 0

	for i, id := range canonical {
		for _, r := range readings {
			if r.ID == id {
				values[i] = r.Value
				matched++
			}
		}
	}

	if matched != len(canonical) {
		return nil, &IncompleteSampleError{Matched: matched, Want: len(canonical)}
	}
	return values, nil
}

// RawToCelsius converts a TMP117 result register (two's complement, 1/128 C per LSB).
func RawToCelsius(raw uint16) float64 {
	return float64(int16(raw)) * 0.0078125
}
