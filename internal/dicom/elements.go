package dicom

import (
	"fmt"
	"unicode/utf8"

	"github.com/mrsinham/dicomharvest/internal/attribute"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// UTF8CharacterSet is the Specific Character Set term for UTF-8 text.
const UTF8CharacterSet = "ISO_IR 192"

// newElement builds an element with an explicit VR. dicom.NewElement refuses
// tags missing from the dictionary, which rules it out for private attributes.
func newElement(t tag.Tag, rawVR string, data any) (*dicom.Element, error) {
	value, err := dicom.NewValue(data)
	if err != nil {
		return nil, fmt.Errorf("value for (%s): %w", attribute.FormatTag(t), err)
	}
	return &dicom.Element{
		Tag:                    t,
		ValueRepresentation:    tag.GetVRKind(t, rawVR),
		RawValueRepresentation: rawVR,
		Value:                  value,
	}, nil
}

// elementValue converts a cast value into one of the slice types accepted by
// dicom.NewValue.
func elementValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return []string{val}, nil
	case []string:
		return val, nil
	case int:
		return []int{val}, nil
	case []int:
		return val, nil
	case float64:
		return []float64{val}, nil
	case []float64:
		return val, nil
	case tag.Tag:
		return []int{int(val.Group), int(val.Element)}, nil
	case []tag.Tag:
		ints := make([]int, 0, 2*len(val))
		for _, t := range val {
			ints = append(ints, int(t.Group), int(t.Element))
		}
		return ints, nil
	default:
		return nil, fmt.Errorf("unexpected value type %T", v)
	}
}

// concreteVR settles dictionary categories that name more than one VR.
// Only the pixel-dependent "US or SS" can reach the writer; its choice
// follows PixelRepresentation (1 means two's complement samples).
func concreteVR(vr string, signedPixels bool) string {
	if vr == "US or SS" {
		if signedPixels {
			return "SS"
		}
		return "US"
	}
	return vr
}

func signedPixels(attrs []attribute.Resolved) bool {
	for _, a := range attrs {
		if a.Tag == tag.PixelRepresentation {
			n, ok := firstInt(a.Value)
			return ok && n == 1
		}
	}
	return false
}

func firstString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		if len(val) > 0 {
			return val[0]
		}
	}
	return ""
}

func firstInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case []int:
		if len(val) > 0 {
			return val[0], true
		}
	}
	return 0, false
}

// needsUTF8 reports whether any text attribute carries non-ASCII characters.
func needsUTF8(attrs []attribute.Resolved) bool {
	for _, a := range attrs {
		switch val := a.Value.(type) {
		case string:
			if !isASCII(val) {
				return true
			}
		case []string:
			for _, s := range val {
				if !isASCII(s) {
					return true
				}
			}
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// insertOrdered places e before the first standard element with a greater
// tag. Private elements are skipped over so their blocks stay intact.
func insertOrdered(elems []*dicom.Element, e *dicom.Element) []*dicom.Element {
	for i, cur := range elems {
		if attribute.IsPrivate(cur.Tag) {
			continue
		}
		if tagLess(e.Tag, cur.Tag) {
			elems = append(elems, nil)
			copy(elems[i+1:], elems[i:])
			elems[i] = e
			return elems
		}
	}
	return append(elems, e)
}

func tagLess(a, b tag.Tag) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}

func findElement(elems []*dicom.Element, t tag.Tag) (*dicom.Element, bool) {
	for _, e := range elems {
		if e.Tag == t {
			return e, true
		}
	}
	return nil, false
}

// padEven appends a zero byte to odd length buffers.
func padEven(b []byte) []byte {
	if len(b)%2 == 0 {
		return b
	}
	padded := make([]byte, len(b)+1)
	copy(padded, b)
	return padded
}
