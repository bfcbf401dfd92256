// Package attribute turns the untyped (tag, value) pairs returned by viewer
// backends into typed DICOM attributes.
package attribute

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// PrivateVR is the representation given to attributes the dictionary does
// not know. Viewer APIs never send a VR, so vendor attributes can only be
// carried as long strings.
const PrivateVR = "LO"

// Definition describes a standard attribute.
type Definition struct {
	Tag  tag.Tag
	Name string
	// VR is the value representation category, e.g. "DS" or "US or SS".
	VR string
	// VM is the value multiplicity, e.g. "1" or "1-n".
	VM string
}

// Resolve looks a tag up in the standard dictionary. Private tags are never
// resolved, even when the dictionary carries an entry for them, because their
// meaning depends on the private creator of their block.
func Resolve(t tag.Tag) (Definition, bool) {
	if IsPrivate(t) {
		return Definition{}, false
	}
	info, err := tag.Find(t)
	if err != nil || len(info.VRs) == 0 {
		return Definition{}, false
	}
	return Definition{
		Tag:  t,
		Name: info.Keyword,
		VR:   strings.Join(info.VRs, " or "),
		VM:   info.VM,
	}, true
}

// IsPrivate reports whether t belongs to an odd (vendor) group.
func IsPrivate(t tag.Tag) bool {
	return t.Group%2 == 1
}

// IsPrivateCreator reports whether t reserves a private block, i.e. it is
// (gggg,0010) through (gggg,00FF) in an odd group.
func IsPrivateCreator(t tag.Tag) bool {
	return IsPrivate(t) && t.Element >= 0x0010 && t.Element <= 0x00FF
}

// PrivateCreatorOf returns the creator tag that reserves the block t lives in.
// ok is false when t is not a private data element.
func PrivateCreatorOf(t tag.Tag) (creator tag.Tag, ok bool) {
	if !IsPrivate(t) || t.Element < 0x1000 {
		return tag.Tag{}, false
	}
	return tag.Tag{Group: t.Group, Element: t.Element >> 8}, true
}

// ParseTag parses "GGGG,EEEE", "(GGGG,EEEE)" or "GGGGEEEE" hexadecimal forms.
func ParseTag(s string) (tag.Tag, error) {
	v := strings.TrimSpace(s)
	v = strings.TrimSuffix(strings.TrimPrefix(v, "("), ")")

	var group, element string
	if before, after, found := strings.Cut(v, ","); found {
		group, element = strings.TrimSpace(before), strings.TrimSpace(after)
	} else if len(v) == 8 {
		group, element = v[:4], v[4:]
	} else {
		return tag.Tag{}, fmt.Errorf("invalid tag %q", s)
	}

	g, err := strconv.ParseUint(group, 16, 16)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("invalid tag group in %q: %w", s, err)
	}
	e, err := strconv.ParseUint(element, 16, 16)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("invalid tag element in %q: %w", s, err)
	}
	return tag.Tag{Group: uint16(g), Element: uint16(e)}, nil
}

// FormatTag renders t the way viewer APIs send it: "GGGG,EEEE".
func FormatTag(t tag.Tag) string {
	return fmt.Sprintf("%04X,%04X", t.Group, t.Element)
}
