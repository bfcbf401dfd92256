// Package payload decides how a pixel buffer returned by a viewer backend has
// to be stored. Backends never say whether they compressed the image, so the
// decision is a heuristic: a buffer with exactly the size implied by the
// geometry is raw, anything else must carry a known codestream signature.
package payload

import (
	"bytes"
	"errors"
	"fmt"
)

// Transfer syntax UIDs used by assembled files.
const (
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	JPEG2000Lossless       = "1.2.840.10008.1.2.4.90"
)

// ErrUnclassifiablePayload is returned when a buffer is neither raw sized nor
// recognisably compressed.
var ErrUnclassifiablePayload = errors.New("unclassifiable pixel payload")

// Payload is a pixel buffer with the geometry declared alongside it.
type Payload struct {
	Data          []byte
	BitsAllocated int
	Rows          int
	Columns       int
}

// RawSize is the byte size of one uncompressed frame.
func (p Payload) RawSize() int {
	return (p.BitsAllocated + 7) / 8 * p.Rows * p.Columns
}

// Kind tells raw samples from an encapsulated codestream.
type Kind int

const (
	Raw Kind = iota
	Encapsulated
)

func (k Kind) String() string {
	switch k {
	case Raw:
		return "raw"
	case Encapsulated:
		return "encapsulated"
	default:
		return "unknown"
	}
}

// Format is the outcome of classification.
type Format struct {
	Kind           Kind
	TransferSyntax string
	// Codec names the signature that matched; empty for raw payloads.
	Codec string
}

// Signature recognises one compressed format by a fixed byte window.
type Signature struct {
	Name           string
	Offset         int
	Magic          []byte
	TransferSyntax string
}

// Match reports whether data carries the signature.
func (s Signature) Match(data []byte) bool {
	end := s.Offset + len(s.Magic)
	return len(s.Magic) > 0 && len(data) >= end && bytes.Equal(data[s.Offset:end], s.Magic)
}

// DefaultSignatures are checked in order.
var DefaultSignatures = []Signature{
	// JP2 file format: the ftyp box follows the 12 byte signature box.
	{Name: "jp2", Offset: 16, Magic: []byte("ftypjp2"), TransferSyntax: JPEG2000Lossless},
	// Bare J2K codestream: SOC followed by SIZ.
	{Name: "j2k", Offset: 0, Magic: []byte{0xFF, 0x4F, 0xFF, 0x51}, TransferSyntax: JPEG2000Lossless},
}

// Classifier checks payloads against an ordered signature list.
type Classifier struct {
	Signatures []Signature
}

// NewClassifier returns a classifier using sigs, or DefaultSignatures when
// sigs is empty.
func NewClassifier(sigs ...Signature) *Classifier {
	if len(sigs) == 0 {
		sigs = DefaultSignatures
	}
	return &Classifier{Signatures: sigs}
}

// Classify decides the format of p.
func (c *Classifier) Classify(p Payload) (Format, error) {
	if p.BitsAllocated <= 0 || p.Rows <= 0 || p.Columns <= 0 {
		return Format{}, fmt.Errorf("%w: invalid geometry %d bits %dx%d",
			ErrUnclassifiablePayload, p.BitsAllocated, p.Rows, p.Columns)
	}
	if len(p.Data) == p.RawSize() {
		return Format{Kind: Raw, TransferSyntax: ExplicitVRLittleEndian}, nil
	}
	for _, sig := range c.Signatures {
		if sig.Match(p.Data) {
			return Format{Kind: Encapsulated, TransferSyntax: sig.TransferSyntax, Codec: sig.Name}, nil
		}
	}
	return Format{}, fmt.Errorf("%w: %d bytes, expected %d for %d bits %dx%d and no known signature",
		ErrUnclassifiablePayload, len(p.Data), p.RawSize(), p.BitsAllocated, p.Rows, p.Columns)
}

// Classify uses DefaultSignatures.
func Classify(p Payload) (Format, error) {
	return NewClassifier().Classify(p)
}
