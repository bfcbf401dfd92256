package dicom

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/mrsinham/dicomharvest/internal/attribute"
	"github.com/mrsinham/dicomharvest/internal/layout"
	"github.com/mrsinham/dicomharvest/internal/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const mrImageStorage = "1.2.840.10008.5.1.4.1.1.4"

func resolveAll(t *testing.T, raws ...attribute.Raw) []attribute.Resolved {
	t.Helper()
	attrs, err := attribute.ResolveAll(raws)
	require.NoError(t, err)
	return attrs
}

func baseRaws(instanceUID string) []attribute.Raw {
	return []attribute.Raw{
		{Tag: "0008,0016", Value: mrImageStorage},
		{Tag: "0008,0018", Value: instanceUID},
		{Tag: "0008,0060", Value: "MR"},
		{Tag: "0010,0010", Value: "DOE^JANE"},
		{Tag: "0028,0010", Value: "2"},
		{Tag: "0028,0011", Value: "2"},
		{Tag: "0028,0100", Value: "16"},
		{Tag: "0028,0103", Value: "0"},
		{Tag: "0028,1050", Value: `40\400`},
	}
}

func rawPayload() payload.Payload {
	return payload.Payload{
		Data:          []byte{1, 0, 2, 0, 3, 0, 4, 0},
		BitsAllocated: 16,
		Rows:          2,
		Columns:       2,
	}
}

func jp2Payload() payload.Payload {
	data := make([]byte, 64)
	copy(data[16:], "ftypjp2")
	return payload.Payload{Data: data, BitsAllocated: 16, Rows: 64, Columns: 64}
}

func parse(t *testing.T, path string) dicom.Dataset {
	t.Helper()
	ds, err := dicom.ParseFile(path, nil, dicom.SkipProcessingPixelDataValue())
	require.NoError(t, err)
	return ds
}

func stringValue(t *testing.T, ds dicom.Dataset, tg tag.Tag) string {
	t.Helper()
	elem, err := ds.FindElementByTag(tg)
	require.NoError(t, err, "tag %v", tg)
	values, ok := elem.Value.GetValue().([]string)
	require.True(t, ok, "tag %v holds %T", tg, elem.Value.GetValue())
	require.NotEmpty(t, values)
	return strings.TrimRight(values[0], " \x00")
}

func elementIndex(ds dicom.Dataset, tg tag.Tag) int {
	for i, e := range ds.Elements {
		if e.Tag == tg {
			return i
		}
	}
	return -1
}

func TestAssemble_RawRoundTrip(t *testing.T) {
	attrs := resolveAll(t, baseRaws("1.2.3.4")...)
	p := rawPayload()
	f, err := payload.Classify(p)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "01.dcm")
	written, err := Assemble(attrs, p, f, FilePath(path))
	require.NoError(t, err)
	assert.Equal(t, path, written)

	ds := parse(t, path)
	assert.Equal(t, payload.ExplicitVRLittleEndian, stringValue(t, ds, tag.TransferSyntaxUID))
	assert.Equal(t, mrImageStorage, stringValue(t, ds, tag.MediaStorageSOPClassUID))
	assert.Equal(t, "1.2.3.4", stringValue(t, ds, tag.MediaStorageSOPInstanceUID))
	assert.Equal(t, "1.2.3.4", stringValue(t, ds, tag.SOPInstanceUID))
	assert.Equal(t, "DOE^JANE", stringValue(t, ds, tag.PatientName))

	center, err := ds.FindElementByTag(tag.WindowCenter)
	require.NoError(t, err)
	assert.Len(t, center.Value.GetValue(), 2)

	pixels, err := ds.FindElementByTag(tag.PixelData)
	require.NoError(t, err)
	assert.Equal(t, "OW", pixels.RawValueRepresentation)
	info := dicom.MustGetPixelDataInfo(pixels.Value)
	assert.False(t, info.IsEncapsulated)
	assert.Equal(t, p.Data, info.UnprocessedValueData)
}

func TestAssemble_EncapsulatedRoundTrip(t *testing.T) {
	attrs := resolveAll(t, baseRaws("1.2.3.5")...)
	p := jp2Payload()
	f, err := payload.Classify(p)
	require.NoError(t, err)
	require.Equal(t, payload.Encapsulated, f.Kind)

	path := filepath.Join(t.TempDir(), "01.dcm")
	_, err = Assemble(attrs, p, f, FilePath(path))
	require.NoError(t, err)

	ds := parse(t, path)
	assert.Equal(t, payload.JPEG2000Lossless, stringValue(t, ds, tag.TransferSyntaxUID))

	pixels, err := ds.FindElementByTag(tag.PixelData)
	require.NoError(t, err)
	assert.Equal(t, "OB", pixels.RawValueRepresentation)
	info := dicom.MustGetPixelDataInfo(pixels.Value)
	assert.True(t, info.IsEncapsulated)
	require.Len(t, info.Frames, 1)
	assert.True(t, bytes.Equal(p.Data, info.Frames[0].EncapsulatedData.Data))
}

func TestAssemble_PixelDataPaddedToEvenLength(t *testing.T) {
	attrs := resolveAll(t, baseRaws("1.2.3.6")...)
	p := payload.Payload{Data: []byte{1, 2, 3}, BitsAllocated: 8, Rows: 1, Columns: 3}
	f, err := payload.Classify(p)
	require.NoError(t, err)

	ds, err := NewAssembler().Build(attrs, p, f)
	require.NoError(t, err)
	elem, err := ds.FindElementByTag(tag.PixelData)
	require.NoError(t, err)
	assert.Equal(t, "OB", elem.RawValueRepresentation)
	assert.Equal(t, []byte{1, 2, 3, 0}, dicom.MustGetPixelDataInfo(elem.Value).UnprocessedValueData)
}

type countingDestination struct {
	path  string
	calls int
}

func (d *countingDestination) Path() (string, error) {
	d.calls++
	return d.path, nil
}

func TestAssemble_MissingSOPIdentifiers(t *testing.T) {
	tests := []struct {
		name string
		drop string
	}{
		{"no SOPClassUID", "0008,0016"},
		{"no SOPInstanceUID", "0008,0018"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var raws []attribute.Raw
			for _, r := range baseRaws("1.2.3.7") {
				if r.Tag != tc.drop {
					raws = append(raws, r)
				}
			}
			attrs := resolveAll(t, raws...)
			p := rawPayload()
			f, err := payload.Classify(p)
			require.NoError(t, err)

			root := t.TempDir()
			plan := layout.NewSeriesPlan(filepath.Join(root, "series"), 1, true)
			_, err = Assemble(attrs, p, f, plan.Instance(0, "dcm"))
			assert.ErrorIs(t, err, ErrMissingRequiredAttribute)
			assert.False(t, plan.Created(), "series directory must not be created")

			dest := &countingDestination{path: filepath.Join(root, "x.dcm")}
			_, err = Assemble(attrs, p, f, dest)
			assert.ErrorIs(t, err, ErrMissingRequiredAttribute)
			assert.Zero(t, dest.calls)
		})
	}
}

func TestAssemble_EmptySOPInstanceUID(t *testing.T) {
	attrs := resolveAll(t, baseRaws("")...)
	p := rawPayload()
	f, err := payload.Classify(p)
	require.NoError(t, err)

	_, err = NewAssembler().Build(attrs, p, f)
	assert.ErrorIs(t, err, ErrMissingRequiredAttribute)
}

func TestAssemble_FailedWriteLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	// A directory at the target path makes the final rename fail.
	target := filepath.Join(dir, "01.dcm")
	require.NoError(t, os.Mkdir(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep"), nil, 0o644))

	attrs := resolveAll(t, baseRaws("1.2.3.8")...)
	p := rawPayload()
	f, err := payload.Classify(p)
	require.NoError(t, err)

	_, err = Assemble(attrs, p, f, FilePath(target))
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "01.dcm", entries[0].Name())
}

// unwritableDestination hands out a path below the series directory that
// does not exist, so every write fails after the directory was created.
type unwritableDestination struct {
	plan *layout.SeriesPlan
}

func (d unwritableDestination) Path() (string, error) {
	dir, err := d.plan.Ensure()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "absent", "01.dcm"), nil
}

func (d unwritableDestination) Discard() { d.plan.Discard() }

func TestAssemble_FailedFirstWriteRemovesSeriesDirectory(t *testing.T) {
	attrs := resolveAll(t, baseRaws("1.2.3.22")...)
	p := rawPayload()
	f, err := payload.Classify(p)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "T1")
	plan := layout.NewSeriesPlan(dir, 1, true)

	_, err = Assemble(attrs, p, f, unwritableDestination{plan: plan})
	require.Error(t, err)
	assert.False(t, plan.Created())
	assert.NoDirExists(t, dir)
}

func TestAssemble_MissingDirectory(t *testing.T) {
	attrs := resolveAll(t, baseRaws("1.2.3.9")...)
	p := rawPayload()
	f, err := payload.Classify(p)
	require.NoError(t, err)

	_, err = Assemble(attrs, p, f, FilePath(filepath.Join(t.TempDir(), "absent", "01.dcm")))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestAssemble_DestinationError(t *testing.T) {
	attrs := resolveAll(t, baseRaws("1.2.3.10")...)
	p := rawPayload()
	f, err := payload.Classify(p)
	require.NoError(t, err)

	root := t.TempDir()
	blocker := filepath.Join(root, "series")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	plan := layout.NewSeriesPlan(blocker, 1, true)

	_, err = Assemble(attrs, p, f, plan.Instance(0, "dcm"))
	assert.Error(t, err)
}

func TestBuild_PrivateAttributesKeepReceivedOrder(t *testing.T) {
	raws := append(baseRaws("1.2.3.11"),
		attribute.Raw{Tag: "0019,0010", Value: "ACME 1.0"},
		attribute.Raw{Tag: "0019,1001", Value: "vendor value"},
		attribute.Raw{Tag: "0008,0070", Value: "ACME"},
	)
	attrs := resolveAll(t, raws...)
	p := rawPayload()
	f, err := payload.Classify(p)
	require.NoError(t, err)

	ds, err := NewAssembler().Build(attrs, p, f)
	require.NoError(t, err)

	creator := elementIndex(ds, tag.Tag{Group: 0x0019, Element: 0x0010})
	data := elementIndex(ds, tag.Tag{Group: 0x0019, Element: 0x1001})
	manufacturer := elementIndex(ds, tag.Manufacturer)
	require.NotEqual(t, -1, creator)
	assert.Equal(t, creator+1, data)
	assert.Greater(t, manufacturer, data)

	elem := ds.Elements[data]
	assert.Equal(t, attribute.PrivateVR, elem.RawValueRepresentation)

	path := filepath.Join(t.TempDir(), "01.dcm")
	require.NoError(t, writeDatasetToFile(path, ds))
	parsed := parse(t, path)
	assert.Equal(t, "vendor value", stringValue(t, parsed, tag.Tag{Group: 0x0019, Element: 0x1001}))
}

func TestBuild_FileMetaComesFirst(t *testing.T) {
	attrs := resolveAll(t, baseRaws("1.2.3.12")...)
	p := rawPayload()
	f, err := payload.Classify(p)
	require.NoError(t, err)

	ds, err := NewAssembler().Build(attrs, p, f)
	require.NoError(t, err)

	assert.Equal(t, tag.FileMetaInformationVersion, ds.Elements[0].Tag)
	for i, e := range ds.Elements[:6] {
		assert.Equal(t, uint16(0x0002), e.Tag.Group, "element %d", i)
	}
	assert.Equal(t, tag.PixelData, ds.Elements[len(ds.Elements)-1].Tag)
}

func TestBuild_UpstreamFileMetaIgnored(t *testing.T) {
	raws := append([]attribute.Raw{
		{Tag: "0002,0001", Value: `00\01`},
		{Tag: "0002,0010", Value: "1.2.840.10008.1.2"},
		{Tag: "7FE0,0010", Value: "AAAA"},
	}, baseRaws("1.2.3.13")...)
	attrs := resolveAll(t, raws...)
	p := rawPayload()
	f, err := payload.Classify(p)
	require.NoError(t, err)

	ds, err := NewAssembler().Build(attrs, p, f)
	require.NoError(t, err)

	count := 0
	for _, e := range ds.Elements {
		if e.Tag == tag.TransferSyntaxUID {
			count++
			assert.Equal(t, []string{payload.ExplicitVRLittleEndian}, e.Value.GetValue())
		}
	}
	assert.Equal(t, 1, count)
}

func TestBuild_PixelDependentVR(t *testing.T) {
	tests := []struct {
		name           string
		representation string
		value          string
		want           string
		wantValue      int
	}{
		{"unsigned", "0", "40000", "US", 40000},
		{"signed", "1", "-5", "SS", -5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raws := []attribute.Raw{
				{Tag: "0008,0016", Value: mrImageStorage},
				{Tag: "0008,0018", Value: "1.2.3.14"},
				{Tag: "0028,0103", Value: tc.representation},
				{Tag: "0028,0106", Value: tc.value},
			}
			attrs := resolveAll(t, raws...)
			p := rawPayload()
			f, err := payload.Classify(p)
			require.NoError(t, err)

			ds, err := NewAssembler().Build(attrs, p, f)
			require.NoError(t, err)
			elem, err := ds.FindElementByTag(tag.SmallestImagePixelValue)
			require.NoError(t, err)
			assert.Equal(t, tc.want, elem.RawValueRepresentation)
			assert.Equal(t, []int{tc.wantValue}, elem.Value.GetValue())
		})
	}
}

func TestBuild_PixelValueOutsideChosenVR(t *testing.T) {
	tests := []struct {
		name           string
		representation string
		value          string
	}{
		{"negative with unsigned pixels", "0", "-1024"},
		{"no pixel representation", "", "-1"},
		{"too large for signed pixels", "1", "40000"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raws := []attribute.Raw{
				{Tag: "0008,0016", Value: mrImageStorage},
				{Tag: "0008,0018", Value: "1.2.3.14"},
				{Tag: "0028,0107", Value: tc.value},
			}
			if tc.representation != "" {
				raws = append(raws, attribute.Raw{Tag: "0028,0103", Value: tc.representation})
			}
			attrs := resolveAll(t, raws...)
			p := rawPayload()
			f, err := payload.Classify(p)
			require.NoError(t, err)

			_, err = NewAssembler().Build(attrs, p, f)
			assert.ErrorIs(t, err, attribute.ErrMalformedValue)
		})
	}
}

func TestAssemble_IntegerOutOfRangeRejected(t *testing.T) {
	raws := append(baseRaws("1.2.3.21"), attribute.Raw{Tag: "0018,1310", Value: `70000\1\0\256`})
	_, err := attribute.ResolveAll(raws)
	assert.ErrorIs(t, err, attribute.ErrMalformedValue)
}

// withValue replaces the value of tg in raws, appending it when absent.
func withValue(raws []attribute.Raw, tg, value string) []attribute.Raw {
	out := append([]attribute.Raw(nil), raws...)
	for i := range out {
		if out[i].Tag == tg {
			out[i].Value = value
			return out
		}
	}
	return append(out, attribute.Raw{Tag: tg, Value: value})
}

// trimStrings drops the padding the writer adds to odd length strings.
func trimStrings(v any) any {
	values, ok := v.([]string)
	if !ok {
		return v
	}
	out := make([]string, len(values))
	for i, s := range values {
		out[i] = strings.TrimRight(s, " \x00")
	}
	return out
}

func TestAssemble_ValuesSurviveRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		tag    string
		text   string
		vr     string
		signed bool
		wantVR string
		want   any
	}{
		{"US", "0018,1310", `0\256\256\0`, "US", false, "US", []int{0, 256, 256, 0}},
		{"SS through pixel representation", "0028,0106", "-1024", "US or SS", true, "SS", []int{-1024}},
		{"US through pixel representation", "0028,0106", "64000", "US or SS", false, "US", []int{64000}},
		{"UL", "0020,9057", "4000000000", "UL", false, "UL", []int{4000000000}},
		{"SL", "0018,6020", "-70000", "SL", false, "SL", []int{-70000}},
		{"FL", "0008,9459", "29.5", "FL", false, "FL", []float64{29.5}},
		{"FD", "0018,9087", `1000\0.25`, "FD", false, "FD", []float64{1000, 0.25}},
		{"AT", "0028,0009", "0018,1063", "AT", false, "AT", []int{0x0018, 0x1063}},
		{"IS", "0020,0013", "12", "IS", false, "IS", []string{"12"}},
		{"DS", "0028,0030", `0.5\0.25`, "DS", false, "DS", []string{"0.5", "0.25"}},
		{"multi-valued CS", "0008,0008", `ORIGINAL\PRIMARY\AXIAL`, "CS", false, "CS", []string{"ORIGINAL", "PRIMARY", "AXIAL"}},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tg, err := attribute.ParseTag(tc.tag)
			require.NoError(t, err)
			def, ok := attribute.Resolve(tg)
			require.True(t, ok)
			require.Equal(t, tc.vr, def.VR, "dictionary VR of %s", def.Name)

			representation := "0"
			if tc.signed {
				representation = "1"
			}
			raws := withValue(baseRaws("1.2.3.30."+strconv.Itoa(i)), "0028,0103", representation)
			raws = withValue(raws, tc.tag, tc.text)
			attrs := resolveAll(t, raws...)
			p := rawPayload()
			f, err := payload.Classify(p)
			require.NoError(t, err)

			path := filepath.Join(t.TempDir(), "01.dcm")
			_, err = Assemble(attrs, p, f, FilePath(path))
			require.NoError(t, err)

			elem, err := parse(t, path).FindElementByTag(tg)
			require.NoError(t, err)
			assert.Equal(t, tc.wantVR, elem.RawValueRepresentation)
			assert.Equal(t, tc.want, trimStrings(elem.Value.GetValue()))
		})
	}
}

func TestBuild_CharacterSet(t *testing.T) {
	p := rawPayload()
	f, err := payload.Classify(p)
	require.NoError(t, err)

	ascii := resolveAll(t, baseRaws("1.2.3.15")...)
	ds, err := NewAssembler().Build(ascii, p, f)
	require.NoError(t, err)
	_, err = ds.FindElementByTag(tag.SpecificCharacterSet)
	assert.Error(t, err, "ASCII only datasets need no character set")

	raws := append([]attribute.Raw{{Tag: "0008,0005", Value: "GB18030"}}, baseRaws("1.2.3.16")...)
	raws = append(raws, attribute.Raw{Tag: "0008,103E", Value: "头部 平扫"})
	ds, err = NewAssembler().Build(resolveAll(t, raws...), p, f)
	require.NoError(t, err)
	elem, err := ds.FindElementByTag(tag.SpecificCharacterSet)
	require.NoError(t, err)
	assert.Equal(t, []string{UTF8CharacterSet}, elem.Value.GetValue())

	raws = append(baseRaws("1.2.3.17"), attribute.Raw{Tag: "0008,1030", Value: "Crâne"})
	ds, err = NewAssembler().Build(resolveAll(t, raws...), p, f)
	require.NoError(t, err)
	idx := elementIndex(ds, tag.SpecificCharacterSet)
	require.NotEqual(t, -1, idx)
	assert.Less(t, idx, elementIndex(ds, tag.SOPClassUID))
}

func TestBuild_CompletesGeometry(t *testing.T) {
	raws := []attribute.Raw{
		{Tag: "0008,0016", Value: mrImageStorage},
		{Tag: "0008,0018", Value: "1.2.3.18"},
		{Tag: "0028,0010", Value: "2"},
	}
	attrs := resolveAll(t, raws...)
	p := rawPayload()
	f, err := payload.Classify(p)
	require.NoError(t, err)

	ds, err := NewAssembler().Build(attrs, p, f)
	require.NoError(t, err)

	for _, tc := range []struct {
		tag  tag.Tag
		want int
	}{
		{tag.Rows, 2},
		{tag.Columns, 2},
		{tag.BitsAllocated, 16},
	} {
		elem, err := ds.FindElementByTag(tc.tag)
		require.NoError(t, err)
		assert.Equal(t, []int{tc.want}, elem.Value.GetValue())
	}
	assert.Less(t, elementIndex(ds, tag.Rows), elementIndex(ds, tag.Columns))
	assert.Less(t, elementIndex(ds, tag.Columns), elementIndex(ds, tag.BitsAllocated))
}

func TestBuild_TagValues(t *testing.T) {
	attrs := append(resolveAll(t, baseRaws("1.2.3.19")...), attribute.Resolved{
		Tag:   tag.FrameIncrementPointer,
		VR:    "AT",
		Value: tag.Tag{Group: 0x0018, Element: 0x1063},
	})
	p := rawPayload()
	f, err := payload.Classify(p)
	require.NoError(t, err)

	ds, err := NewAssembler().Build(attrs, p, f)
	require.NoError(t, err)
	elem, err := ds.FindElementByTag(tag.FrameIncrementPointer)
	require.NoError(t, err)
	assert.Equal(t, []int{0x0018, 0x1063}, elem.Value.GetValue())
}

func TestBuild_UnknownKind(t *testing.T) {
	attrs := resolveAll(t, baseRaws("1.2.3.20")...)
	_, err := NewAssembler().Build(attrs, rawPayload(), payload.Format{Kind: payload.Kind(9), TransferSyntax: "1.2"})
	assert.ErrorIs(t, err, payload.ErrUnclassifiablePayload)
}
