// Package dicom assembles resolved attributes and a classified pixel payload
// into Part 10 files, and indexes assembled study trees with a DICOMDIR.
package dicom

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mrsinham/dicomharvest/internal/attribute"
	"github.com/mrsinham/dicomharvest/internal/payload"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrMissingRequiredAttribute is returned when an attribute the file meta
// group is derived from is absent or empty.
var ErrMissingRequiredAttribute = errors.New("missing required attribute")

// Implementation identifiers written into every file meta group.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.8.498.7"
	ImplementationVersionName = "DICOMHARVEST"
)

const (
	metaGroup = 0x0002
	filePerm  = 0o644
)

// Destination yields the path an assembled file is written to. It is only
// asked once the dataset has been built, so implementations may create
// directories lazily.
type Destination interface {
	Path() (string, error)
}

// Discarder is implemented by destinations that should undo what Path
// prepared when the write that followed it failed.
type Discarder interface {
	Discard()
}

// FilePath is a fixed destination.
type FilePath string

func (p FilePath) Path() (string, error) { return string(p), nil }

// Assembler builds and writes Part 10 files.
type Assembler struct {
	ImplementationClassUID    string
	ImplementationVersionName string
	// WriteOptions are passed to dicom.Write.
	WriteOptions []dicom.WriteOption
}

// NewAssembler returns an assembler with the default implementation
// identifiers.
func NewAssembler(opts ...dicom.WriteOption) *Assembler {
	return &Assembler{
		ImplementationClassUID:    ImplementationClassUID,
		ImplementationVersionName: ImplementationVersionName,
		WriteOptions:              opts,
	}
}

var defaultAssembler = NewAssembler()

// Assemble builds a file with the default assembler and writes it to dest.
func Assemble(attrs []attribute.Resolved, p payload.Payload, f payload.Format, dest Destination) (string, error) {
	return defaultAssembler.Assemble(attrs, p, f, dest)
}

// Assemble builds the dataset and writes it atomically to the path given by
// dest, returning that path. Nothing is left on disk when it fails.
func (a *Assembler) Assemble(attrs []attribute.Resolved, p payload.Payload, f payload.Format, dest Destination) (string, error) {
	ds, err := a.Build(attrs, p, f)
	if err != nil {
		return "", err
	}
	path, err := dest.Path()
	if err != nil {
		return "", fmt.Errorf("destination: %w", err)
	}
	if err := writeDatasetToFile(path, ds, a.WriteOptions...); err != nil {
		if d, ok := dest.(Discarder); ok {
			d.Discard()
		}
		return "", err
	}
	return path, nil
}

// Build returns the dataset Assemble would write: the file meta group, the
// attributes in their received order and the pixel data element.
func (a *Assembler) Build(attrs []attribute.Resolved, p payload.Payload, f payload.Format) (dicom.Dataset, error) {
	signed := signedPixels(attrs)
	body := make([]*dicom.Element, 0, len(attrs)+4)
	for _, attr := range attrs {
		// The file meta group is derived, never copied from upstream.
		if attr.Tag.Group == metaGroup || attr.Tag == tag.PixelData {
			continue
		}
		value, err := elementValue(attr.Value)
		if err != nil {
			return dicom.Dataset{}, fmt.Errorf("(%s): %w", attribute.FormatTag(attr.Tag), err)
		}
		vr := concreteVR(attr.VR, signed)
		if err := attribute.CheckIntRange(attr.Value, vr); err != nil {
			return dicom.Dataset{}, fmt.Errorf("(%s): %w", attribute.FormatTag(attr.Tag), err)
		}
		elem, err := newElement(attr.Tag, vr, value)
		if err != nil {
			return dicom.Dataset{}, err
		}
		body = append(body, elem)
	}

	sopClass, err := requiredUID(attrs, tag.SOPClassUID, "SOPClassUID")
	if err != nil {
		return dicom.Dataset{}, err
	}
	sopInstance, err := requiredUID(attrs, tag.SOPInstanceUID, "SOPInstanceUID")
	if err != nil {
		return dicom.Dataset{}, err
	}

	if needsUTF8(attrs) {
		if body, err = setCharacterSet(body); err != nil {
			return dicom.Dataset{}, err
		}
	}
	if body, err = completeImagePixel(body, p); err != nil {
		return dicom.Dataset{}, err
	}

	pixels, err := pixelDataElement(p, f)
	if err != nil {
		return dicom.Dataset{}, err
	}
	body = append(body, pixels)

	meta, err := a.fileMeta(sopClass, sopInstance, f.TransferSyntax)
	if err != nil {
		return dicom.Dataset{}, err
	}
	return dicom.Dataset{Elements: append(meta, body...)}, nil
}

func requiredUID(attrs []attribute.Resolved, t tag.Tag, name string) (string, error) {
	for _, attr := range attrs {
		if attr.Tag == t {
			if uid := firstString(attr.Value); uid != "" {
				return uid, nil
			}
			break
		}
	}
	return "", fmt.Errorf("%w: %s", ErrMissingRequiredAttribute, name)
}

func (a *Assembler) fileMeta(sopClass, sopInstance, transferSyntax string) ([]*dicom.Element, error) {
	if transferSyntax == "" {
		return nil, fmt.Errorf("%w: TransferSyntaxUID", ErrMissingRequiredAttribute)
	}
	specs := []struct {
		tag   tag.Tag
		vr    string
		value any
	}{
		{tag.FileMetaInformationVersion, "OB", []byte{0x00, 0x01}},
		{tag.MediaStorageSOPClassUID, "UI", []string{sopClass}},
		{tag.MediaStorageSOPInstanceUID, "UI", []string{sopInstance}},
		{tag.TransferSyntaxUID, "UI", []string{transferSyntax}},
		{tag.ImplementationClassUID, "UI", []string{a.ImplementationClassUID}},
		{tag.ImplementationVersionName, "SH", []string{a.ImplementationVersionName}},
	}
	meta := make([]*dicom.Element, 0, len(specs))
	for _, s := range specs {
		elem, err := newElement(s.tag, s.vr, s.value)
		if err != nil {
			return nil, err
		}
		meta = append(meta, elem)
	}
	return meta, nil
}

// setCharacterSet declares UTF-8, replacing any character set sent upstream.
// Text reaches this package already decoded, so the upstream term no longer
// describes the bytes being written.
func setCharacterSet(body []*dicom.Element) ([]*dicom.Element, error) {
	elem, err := newElement(tag.SpecificCharacterSet, "CS", []string{UTF8CharacterSet})
	if err != nil {
		return nil, err
	}
	for i, e := range body {
		if e.Tag == tag.SpecificCharacterSet {
			body[i] = elem
			return body, nil
		}
	}
	return insertOrdered(body, elem), nil
}

// completeImagePixel adds the geometry attributes a reader needs to decode
// the pixel data when upstream did not send them.
func completeImagePixel(body []*dicom.Element, p payload.Payload) ([]*dicom.Element, error) {
	geometry := []struct {
		tag   tag.Tag
		value int
	}{
		{tag.Rows, p.Rows},
		{tag.Columns, p.Columns},
		{tag.BitsAllocated, p.BitsAllocated},
	}
	for _, g := range geometry {
		if _, ok := findElement(body, g.tag); ok {
			continue
		}
		elem, err := newElement(g.tag, "US", []int{g.value})
		if err != nil {
			return nil, err
		}
		body = insertOrdered(body, elem)
	}
	return body, nil
}

func pixelDataElement(p payload.Payload, f payload.Format) (*dicom.Element, error) {
	var (
		info  dicom.PixelDataInfo
		rawVR = "OB"
		vl    uint32
	)
	switch f.Kind {
	case payload.Raw:
		if p.BitsAllocated > 8 {
			rawVR = "OW"
		}
		info = dicom.PixelDataInfo{
			IntentionallyUnprocessed: true,
			UnprocessedValueData:     padEven(p.Data),
		}
	case payload.Encapsulated:
		info = dicom.PixelDataInfo{
			IsEncapsulated: true,
			Frames: []*frame.Frame{{
				Encapsulated:     true,
				EncapsulatedData: frame.EncapsulatedFrame{Data: padEven(p.Data)},
			}},
		}
		vl = tag.VLUndefinedLength
	default:
		return nil, fmt.Errorf("%w: format %s", payload.ErrUnclassifiablePayload, f.Kind)
	}

	elem, err := newElement(tag.PixelData, rawVR, info)
	if err != nil {
		return nil, err
	}
	elem.ValueLength = vl
	return elem, nil
}

// writeDatasetToFile writes a dataset next to filename and renames it into
// place, so filename either holds a complete file or is left untouched.
func writeDatasetToFile(filename string, ds dicom.Dataset, opts ...dicom.WriteOption) (err error) {
	f, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if err = dicom.Write(f, ds, opts...); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	if err = f.Chmod(filePerm); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
