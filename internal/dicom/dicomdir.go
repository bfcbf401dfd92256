package dicom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mrsinham/dicomharvest/internal/payload"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// DICOMDIRName is the file name of the index written at a study root.
const DICOMDIRName = "DICOMDIR"

const mediaStorageDirectoryStorage = "1.2.840.10008.1.3.10"

// ErrNothingToIndex is returned when a tree holds no readable DICOM file.
var ErrNothingToIndex = errors.New("no DICOM files to index")

// IndexedImage is one file found while scanning a tree.
type IndexedImage struct {
	// RelPath is slash separated and relative to the indexed root.
	RelPath        string
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	InstanceNumber int
}

type indexedSeries struct {
	uid, number, modality string
	images                []IndexedImage
}

type indexedStudy struct {
	uid, id, date, time string
	series              []*indexedSeries
}

type indexedPatient struct {
	id, name string
	studies  []*indexedStudy
}

// IndexSummary reports what WriteDICOMDIR recorded.
type IndexSummary struct {
	Path     string
	Patients int
	Studies  int
	Series   int
	Images   int
	// Skipped lists files that could not be read as DICOM.
	Skipped []string
}

// WriteDICOMDIR scans root for assembled files and writes a DICOMDIR
// referencing them in place. Files are not moved.
func WriteDICOMDIR(root string) (IndexSummary, error) {
	patients, skipped, err := scanTree(root)
	if err != nil {
		return IndexSummary{}, err
	}
	summary := IndexSummary{Path: filepath.Join(root, DICOMDIRName), Skipped: skipped}
	if len(patients) == 0 {
		return summary, ErrNothingToIndex
	}

	records, levels := directoryRecords(patients)
	summary.Patients = len(patients)
	for _, p := range patients {
		summary.Studies += len(p.studies)
		for _, st := range p.studies {
			summary.Series += len(st.series)
			for _, se := range st.series {
				summary.Images += len(se.images)
			}
		}
	}

	ds, err := dicomdirDataset(filepath.Base(root), records)
	if err != nil {
		return summary, err
	}
	if err := writeDatasetToFile(summary.Path, ds); err != nil {
		return summary, fmt.Errorf("write DICOMDIR: %w", err)
	}
	if err := updateDICOMDIROffsets(summary.Path, levels); err != nil {
		return summary, fmt.Errorf("update DICOMDIR offsets: %w", err)
	}
	return summary, nil
}

// scanTree reads the header of every file below root and groups them by
// patient, study and series in the order they are first seen.
func scanTree(root string) ([]*indexedPatient, []string, error) {
	var (
		patients []*indexedPatient
		skipped  []string
	)
	byPatient := map[string]*indexedPatient{}
	byStudy := map[string]*indexedStudy{}
	bySeries := map[string]*indexedSeries{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if name == DICOMDIRName || strings.HasPrefix(name, ".") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		ds, err := parseHeader(path)
		if err != nil {
			skipped = append(skipped, rel)
			return nil
		}

		patientKey := stringOf(ds, tag.PatientID) + "\x00" + stringOf(ds, tag.PatientName)
		patient, ok := byPatient[patientKey]
		if !ok {
			patient = &indexedPatient{id: stringOf(ds, tag.PatientID), name: stringOf(ds, tag.PatientName)}
			byPatient[patientKey] = patient
			patients = append(patients, patient)
		}

		studyUID := stringOf(ds, tag.StudyInstanceUID)
		study, ok := byStudy[patientKey+"\x00"+studyUID]
		if !ok {
			study = &indexedStudy{
				uid:  studyUID,
				id:   stringOf(ds, tag.StudyID),
				date: stringOf(ds, tag.StudyDate),
				time: stringOf(ds, tag.StudyTime),
			}
			byStudy[patientKey+"\x00"+studyUID] = study
			patient.studies = append(patient.studies, study)
		}

		seriesKey := patientKey + "\x00" + studyUID + "\x00" + stringOf(ds, tag.SeriesInstanceUID)
		series, ok := bySeries[seriesKey]
		if !ok {
			series = &indexedSeries{
				uid:      stringOf(ds, tag.SeriesInstanceUID),
				number:   stringOf(ds, tag.SeriesNumber),
				modality: stringOf(ds, tag.Modality),
			}
			bySeries[seriesKey] = series
			study.series = append(study.series, series)
		}

		number, _ := strconv.Atoi(stringOf(ds, tag.InstanceNumber))
		series.images = append(series.images, IndexedImage{
			RelPath:        rel,
			SOPClassUID:    stringOf(ds, tag.MediaStorageSOPClassUID),
			SOPInstanceUID: stringOf(ds, tag.MediaStorageSOPInstanceUID),
			TransferSyntax: stringOf(ds, tag.TransferSyntaxUID),
			InstanceNumber: number,
		})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scan %s: %w", root, err)
	}

	for _, series := range bySeries {
		sort.SliceStable(series.images, func(i, j int) bool {
			return series.images[i].InstanceNumber < series.images[j].InstanceNumber
		})
	}
	return patients, skipped, nil
}

// parseHeader reads a file element by element without its pixel data, keeping
// whatever parsed before the first error.
func parseHeader(path string) (dicom.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return dicom.Dataset{}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return dicom.Dataset{}, err
	}

	p, err := dicom.NewParser(f, info.Size(), nil, dicom.SkipPixelData())
	if err != nil {
		return dicom.Dataset{}, err
	}

	var elements []*dicom.Element
	for {
		elem, err := p.Next()
		if err != nil {
			break
		}
		elements = append(elements, elem)
	}

	meta := p.GetMetadata()
	if len(meta.Elements) == 0 && len(elements) == 0 {
		return dicom.Dataset{}, fmt.Errorf("no elements parsed")
	}
	return dicom.Dataset{Elements: append(meta.Elements, elements...)}, nil
}

func stringOf(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem == nil {
		return ""
	}
	if values, ok := elem.Value.GetValue().([]string); ok {
		if len(values) == 0 {
			return ""
		}
		return strings.TrimRight(values[0], " \x00")
	}
	return strings.Trim(elem.Value.String(), " []")
}

// Directory record levels, root first.
const (
	levelPatient = iota
	levelStudy
	levelSeries
	levelImage
)

// directoryRecords flattens the hierarchy depth first, the order records take
// in the Directory Record Sequence, and returns the level of each record.
func directoryRecords(patients []*indexedPatient) ([][]*dicom.Element, []int) {
	var (
		records [][]*dicom.Element
		levels  []int
	)
	add := func(level int, recordType string, elems ...*dicom.Element) {
		head := []*dicom.Element{
			mustNewElement(tag.OffsetOfTheNextDirectoryRecord, []int{0}),
			mustNewElement(tag.RecordInUseFlag, []int{0xFFFF}),
			mustNewElement(tag.OffsetOfReferencedLowerLevelDirectoryEntity, []int{0}),
			mustNewElement(tag.DirectoryRecordType, []string{recordType}),
		}
		records = append(records, append(head, elems...))
		levels = append(levels, level)
	}

	for _, p := range patients {
		add(levelPatient, "PATIENT",
			mustNewElement(tag.PatientID, []string{p.id}),
			mustNewElement(tag.PatientName, []string{p.name}),
		)
		for _, st := range p.studies {
			add(levelStudy, "STUDY",
				mustNewElement(tag.StudyInstanceUID, []string{st.uid}),
				mustNewElement(tag.StudyID, []string{st.id}),
				mustNewElement(tag.StudyDate, []string{st.date}),
				mustNewElement(tag.StudyTime, []string{st.time}),
			)
			for _, se := range st.series {
				add(levelSeries, "SERIES",
					mustNewElement(tag.Modality, []string{se.modality}),
					mustNewElement(tag.SeriesInstanceUID, []string{se.uid}),
					mustNewElement(tag.SeriesNumber, []string{se.number}),
				)
				for _, im := range se.images {
					add(levelImage, "IMAGE",
						mustNewElement(tag.ReferencedFileID, strings.Split(im.RelPath, "/")),
						mustNewElement(tag.ReferencedSOPClassUIDInFile, []string{im.SOPClassUID}),
						mustNewElement(tag.ReferencedSOPInstanceUIDInFile, []string{im.SOPInstanceUID}),
						mustNewElement(tag.ReferencedTransferSyntaxUIDInFile, []string{im.TransferSyntax}),
					)
				}
			}
		}
	}
	return records, levels
}

func mustNewElement(t tag.Tag, value any) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(fmt.Sprintf("failed to create element %v: %v", t, err))
	}
	return elem
}

// uuidUID derives a UID under the 2.25 root from a random UUID.
func uuidUID() string {
	id := uuid.New()
	return "2.25." + new(big.Int).SetBytes(id[:]).String()
}

// fileSetIDOf maps a directory name onto the CS repertoire (upper case
// letters, digits, space and underscore) and the 16 character limit of
// File-set ID. Anything else becomes an underscore.
func fileSetIDOf(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if b.Len() == 16 {
			break
		}
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func dicomdirDataset(fileSetID string, records [][]*dicom.Element) (dicom.Dataset, error) {
	fileSetID = fileSetIDOf(fileSetID)
	elements := []*dicom.Element{
		mustNewElement(tag.FileMetaInformationVersion, []byte{0x00, 0x01}),
		mustNewElement(tag.MediaStorageSOPClassUID, []string{mediaStorageDirectoryStorage}),
		mustNewElement(tag.MediaStorageSOPInstanceUID, []string{uuidUID()}),
		mustNewElement(tag.TransferSyntaxUID, []string{payload.ExplicitVRLittleEndian}),
		mustNewElement(tag.ImplementationClassUID, []string{ImplementationClassUID}),
		mustNewElement(tag.ImplementationVersionName, []string{ImplementationVersionName}),
		mustNewElement(tag.FileSetID, []string{fileSetID}),
		// Offsets are patched once the byte positions are known.
		mustNewElement(tag.OffsetOfTheFirstDirectoryRecordOfTheRootDirectoryEntity, []int{0}),
		mustNewElement(tag.OffsetOfTheLastDirectoryRecordOfTheRootDirectoryEntity, []int{0}),
		mustNewElement(tag.FileSetConsistencyFlag, []int{0}),
	}
	seq, err := dicom.NewElement(tag.DirectoryRecordSequence, records)
	if err != nil {
		return dicom.Dataset{}, fmt.Errorf("create directory record sequence: %w", err)
	}
	return dicom.Dataset{Elements: append(elements, seq)}, nil
}

// recordLinks holds the offsets patched into one directory record.
type recordLinks struct {
	NextSibling uint32
	FirstChild  uint32
}

// linkRecords computes sibling and child offsets for records listed depth
// first with the given levels and byte positions.
func linkRecords(levels []int, positions []int64) []recordLinks {
	links := make([]recordLinks, len(levels))
	lastAt := map[int]int{}
	for i, level := range levels {
		if prev, ok := lastAt[level]; ok {
			links[prev].NextSibling = uint32(positions[i])
		}
		if level > 0 {
			if parent, ok := lastAt[level-1]; ok && parent == i-1 {
				links[parent].FirstChild = uint32(positions[i])
			}
		}
		lastAt[level] = i
		for deeper := level + 1; deeper <= levelImage; deeper++ {
			delete(lastAt, deeper)
		}
	}
	return links
}

// updateDICOMDIROffsets rewrites the offset fields of a written DICOMDIR with
// the byte positions of its directory records.
func updateDICOMDIROffsets(path string, levels []int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read DICOMDIR: %w", err)
	}

	positions := findDirectoryRecordPositions(data)
	if len(positions) != len(levels) {
		return fmt.Errorf("found %d directory records, wrote %d", len(positions), len(levels))
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open file for update: %w", err)
	}
	defer func() { _ = f.Close() }()

	var first, last int64 = -1, -1
	for i, level := range levels {
		if level == levelPatient {
			if first < 0 {
				first = positions[i]
			}
			last = positions[i]
		}
	}
	for _, root := range []struct {
		element uint16
		value   int64
	}{
		{0x1200, first},
		{0x1202, last},
	} {
		if pos := findTagPosition(data, 0, 0x0004, root.element); pos >= 0 {
			if err := updateUInt32At(f, pos+8, uint32(root.value)); err != nil {
				return fmt.Errorf("update root offset (0004,%04X): %w", root.element, err)
			}
		}
	}

	for i, link := range linkRecords(levels, positions) {
		if pos := findTagPosition(data, int(positions[i]), 0x0004, 0x1400); pos >= 0 {
			if err := updateUInt32At(f, pos+8, link.NextSibling); err != nil {
				return fmt.Errorf("update next offset at record %d: %w", i, err)
			}
		}
		if pos := findTagPosition(data, int(positions[i]), 0x0004, 0x1420); pos >= 0 {
			if err := updateUInt32At(f, pos+8, link.FirstChild); err != nil {
				return fmt.Errorf("update lower offset at record %d: %w", i, err)
			}
		}
	}
	return f.Close()
}

// findDirectoryRecordPositions returns the offset of every item tag after the
// preamble. Directory records are the only items a DICOMDIR holds.
func findDirectoryRecordPositions(data []byte) []int64 {
	itemTag := []byte{0xFE, 0xFF, 0x00, 0xE0}
	var positions []int64
	for i := 132; i+4 <= len(data); i++ {
		if bytes.Equal(data[i:i+4], itemTag) {
			positions = append(positions, int64(i))
		}
	}
	return positions
}

// findTagPosition finds a little endian tag at or after start.
func findTagPosition(data []byte, start int, group, element uint16) int64 {
	tagBytes := make([]byte, 4)
	binary.LittleEndian.PutUint16(tagBytes[0:2], group)
	binary.LittleEndian.PutUint16(tagBytes[2:4], element)
	if i := bytes.Index(data[start:], tagBytes); i >= 0 {
		return int64(start + i)
	}
	return -1
}

func updateUInt32At(f io.WriteSeeker, pos int64, value uint32) error {
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	return binary.Write(f, binary.LittleEndian, value)
}
