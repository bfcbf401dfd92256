package attribute

import (
	"errors"
	"fmt"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrPrivateCreatorOrder is returned when a private data element arrives
// before the creator that reserves its block. Readers bind private elements to
// the closest preceding creator, so writing such a list would silently
// reassign the element to a different vendor block.
var ErrPrivateCreatorOrder = errors.New("private creator follows its block")

const metaGroup = 0x0002

// Raw is one attribute as received from an upstream viewer API.
type Raw struct {
	Tag   string `json:"tag"`
	Value string `json:"value"`
}

// Resolved is an attribute with a known VR and a cast value.
type Resolved struct {
	Tag tag.Tag
	VR  string
	// Value is a string, int, float64 or tag.Tag, or a slice of one of them.
	Value any
	// Private is set for attributes kept through the long string fallback.
	Private bool
}

// ResolveOne resolves a single raw attribute. Tags absent from the dictionary
// are kept as private long strings carrying the unparsed text.
func ResolveOne(r Raw) (Resolved, error) {
	t, err := ParseTag(r.Tag)
	if err != nil {
		return Resolved{}, err
	}

	def, ok := Resolve(t)
	if !ok {
		return Resolved{Tag: t, VR: PrivateVR, Value: r.Value, Private: true}, nil
	}

	value, err := Cast(r.Value, def.VR)
	if err != nil {
		var unsupported *UnsupportedRepresentationError
		if errors.As(err, &unsupported) {
			unsupported.Tag = t
			return Resolved{}, unsupported
		}
		return Resolved{}, fmt.Errorf("(%s) %s: %w", FormatTag(t), def.Name, err)
	}
	return Resolved{Tag: t, VR: def.VR, Value: value}, nil
}

// ResolveAll resolves raws keeping their received order. File meta (group
// 0002) attributes and pixel data are dropped unparsed: the assembler derives
// both itself.
func ResolveAll(raws []Raw) ([]Resolved, error) {
	creatorAt := make(map[tag.Tag]int)
	resolved := make([]Resolved, 0, len(raws))

	for _, r := range raws {
		t, err := ParseTag(r.Tag)
		if err != nil {
			return nil, err
		}
		if t.Group == metaGroup || t == tag.PixelData {
			continue
		}
		attr, err := ResolveOne(r)
		if err != nil {
			return nil, err
		}
		if IsPrivateCreator(attr.Tag) {
			if _, seen := creatorAt[attr.Tag]; !seen {
				creatorAt[attr.Tag] = len(resolved)
			}
		}
		resolved = append(resolved, attr)
	}

	for i, attr := range resolved {
		creator, ok := PrivateCreatorOf(attr.Tag)
		if !ok {
			continue
		}
		if at, found := creatorAt[creator]; found && at > i {
			return nil, fmt.Errorf("%w: (%s) at %d, creator (%s) at %d",
				ErrPrivateCreatorOrder, FormatTag(attr.Tag), i, FormatTag(creator), at)
		}
	}
	return resolved, nil
}
