package attribute

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

var (
	// ErrUnsupportedRepresentation is returned when the dictionary assigns a VR
	// the caster has no conversion for.
	ErrUnsupportedRepresentation = errors.New("unsupported value representation")
	// ErrMalformedValue is returned when text does not parse as its VR demands.
	ErrMalformedValue = errors.New("malformed value")
)

// UnsupportedRepresentationError names the tag and VR the caster refused.
type UnsupportedRepresentationError struct {
	Tag tag.Tag
	VR  string
}

func (e *UnsupportedRepresentationError) Error() string {
	return fmt.Sprintf("%s: (%s) has VR %q", ErrUnsupportedRepresentation, FormatTag(e.Tag), e.VR)
}

func (e *UnsupportedRepresentationError) Unwrap() error {
	return ErrUnsupportedRepresentation
}

// Multi-value delimiter for character and numeric strings.
const delimiter = "\\"

// Category groups value representations by the Go type they cast to.
type Category int

const (
	CategoryUnsupported Category = iota
	CategoryText
	CategoryInteger
	CategoryFloat
	CategoryTag
)

var textVRs = map[string]bool{
	"AE": true, "AS": true, "CS": true, "DA": true, "DS": true, "DT": true,
	"IS": true, "LO": true, "LT": true, "PN": true, "SH": true, "ST": true,
	"TM": true, "UC": true, "UI": true, "UR": true, "UT": true,
}

// singleValuedVRs may legitimately contain a backslash.
var singleValuedVRs = map[string]bool{"LT": true, "ST": true, "UT": true, "UR": true}

// CategoryOf classifies a VR category as produced by Resolve.
func CategoryOf(vr string) Category {
	switch {
	case vr == "AT":
		return CategoryTag
	case textVRs[vr]:
		return CategoryText
	case vr == "US", vr == "SS", vr == "UL", vr == "SL", vr == "US or SS":
		return CategoryInteger
	case vr == "FL", vr == "FD":
		return CategoryFloat
	default:
		return CategoryUnsupported
	}
}

// Cast converts wire text into the Go value implied by vr. A single part
// yields a scalar (string, int, float64 or tag.Tag); several backslash
// separated parts yield a slice of that type. Empty text for a numeric VR
// yields an empty slice.
func Cast(text, vr string) (any, error) {
	switch CategoryOf(vr) {
	case CategoryText:
		if singleValuedVRs[vr] {
			return text, nil
		}
		return castParts(text, func(s string) (string, error) { return s, nil })
	case CategoryInteger:
		if text == "" {
			return []int{}, nil
		}
		lo, hi := IntRange(vr)
		return castParts(text, func(s string) (int, error) {
			v, err := parseInt(s)
			if err != nil {
				return 0, err
			}
			if v < lo || v > hi {
				return 0, fmt.Errorf("%w: %d out of range for %s", ErrMalformedValue, v, vr)
			}
			return v, nil
		})
	case CategoryFloat:
		if text == "" {
			return []float64{}, nil
		}
		return castParts(text, parseFloat)
	case CategoryTag:
		if text == "" {
			return []tag.Tag{}, nil
		}
		return castParts(text, parseTagValue)
	default:
		return nil, &UnsupportedRepresentationError{VR: vr}
	}
}

// IntRange returns the inclusive bounds an integer VR can encode. "US or SS"
// accepts the union of both, leaving the final check to CheckIntRange once
// the pixel representation picks one of them.
func IntRange(vr string) (lo, hi int) {
	switch vr {
	case "US":
		return 0, math.MaxUint16
	case "SS":
		return math.MinInt16, math.MaxInt16
	case "UL":
		return 0, math.MaxUint32
	case "SL":
		return math.MinInt32, math.MaxInt32
	default:
		return math.MinInt16, math.MaxUint16
	}
}

// CheckIntRange reports an ErrMalformedValue when an int or []int cast value
// does not fit vr.
func CheckIntRange(value any, vr string) error {
	var values []int
	switch v := value.(type) {
	case int:
		values = []int{v}
	case []int:
		values = v
	default:
		return nil
	}
	lo, hi := IntRange(vr)
	for _, v := range values {
		if v < lo || v > hi {
			return fmt.Errorf("%w: %d out of range for %s", ErrMalformedValue, v, vr)
		}
	}
	return nil
}

func castParts[T any](text string, fn func(string) (T, error)) (any, error) {
	parts := strings.Split(text, delimiter)
	if len(parts) == 1 {
		v, err := fn(text)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	values := make([]T, len(parts))
	for i, p := range parts {
		v, err := fn(p)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func parseInt(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrMalformedValue, s)
	}
	return v, nil
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrMalformedValue, s)
	}
	return v, nil
}

func parseTagValue(s string) (tag.Tag, error) {
	t, err := ParseTag(s)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("%w: %v", ErrMalformedValue, err)
	}
	return t, nil
}
