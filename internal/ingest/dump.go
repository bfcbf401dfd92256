// Package ingest assembles a crawler dump directory into a study tree.
//
// A dump holds one directory per series. Each instance i of a series is
// stored as i-tags.json (the attribute list returned by the viewer),
// i.slice (the pixel buffer) and optionally i.json (the pixel geometry
// reported alongside the image). An optional study.json at the dump root
// names the study when the attribute lists do not.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mrsinham/dicomharvest/internal/attribute"
	"github.com/mrsinham/dicomharvest/internal/payload"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// StudyFileName is the optional study description at the dump root.
const StudyFileName = "study.json"

const (
	tagsSuffix     = "-tags.json"
	pixelSuffix    = ".slice"
	geometrySuffix = ".json"
)

var (
	// ErrInvalidDump is returned when a dump directory cannot be read.
	ErrInvalidDump = errors.New("invalid dump")
	// ErrMissingGeometry is returned when neither the geometry file nor the
	// attribute list gives the pixel dimensions of an instance.
	ErrMissingGeometry = errors.New("missing pixel geometry")
)

// StudyInfo is the content of study.json.
type StudyInfo struct {
	PatientName string `json:"patient_name"`
	Description string `json:"description"`
	Modality    string `json:"modality"`
	Date        string `json:"date"`
}

// Geometry is the content of an instance geometry file.
type Geometry struct {
	BitsAllocated int `json:"bits_allocated"`
	Rows          int `json:"rows"`
	Columns       int `json:"columns"`
}

// SeriesDump is one series directory of a dump.
type SeriesDump struct {
	Name string
	Dir  string
	// Indexes lists the instances found, in ascending order.
	Indexes []int
	// Total is the number of instances the series is laid out for.
	Total int
}

// Dump is a parsed dump directory.
type Dump struct {
	Root   string
	Study  StudyInfo
	Series []SeriesDump
}

// Instance is one instance read from a dump.
type Instance struct {
	Index int
	Raws  []attribute.Raw
	Pixel []byte
	// Geometry is zero when the dump has no geometry file.
	Geometry Geometry
}

// Open scans a dump directory. Series are returned sorted by name.
func Open(root string) (*Dump, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDump, err)
	}

	d := &Dump{Root: root}
	if data, err := os.ReadFile(filepath.Join(root, StudyFileName)); err == nil {
		if err := json.Unmarshal(data, &d.Study); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDump, StudyFileName, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDump, err)
	}

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		series, err := scanSeries(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, err
		}
		if len(series.Indexes) > 0 {
			d.Series = append(d.Series, series)
		}
	}
	if len(d.Series) == 0 {
		return nil, fmt.Errorf("%w: no series directories in %s", ErrInvalidDump, root)
	}
	return d, nil
}

func scanSeries(dir string) (SeriesDump, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return SeriesDump{}, fmt.Errorf("%w: %v", ErrInvalidDump, err)
	}
	s := SeriesDump{Name: filepath.Base(dir), Dir: dir}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, tagsSuffix) {
			continue
		}
		i, err := strconv.Atoi(strings.TrimSuffix(name, tagsSuffix))
		if err != nil || i < 0 {
			continue
		}
		s.Indexes = append(s.Indexes, i)
	}
	sort.Ints(s.Indexes)
	if n := len(s.Indexes); n > 0 {
		s.Total = max(n, s.Indexes[n-1]+1)
	}
	return s, nil
}

// Read loads instance i of the series.
func (s SeriesDump) Read(i int) (Instance, error) {
	base := filepath.Join(s.Dir, strconv.Itoa(i))
	inst := Instance{Index: i}

	data, err := os.ReadFile(base + tagsSuffix)
	if err != nil {
		return inst, fmt.Errorf("read tags: %w", err)
	}
	if err := json.Unmarshal(data, &inst.Raws); err != nil {
		return inst, fmt.Errorf("decode %s: %w", filepath.Base(base+tagsSuffix), err)
	}
	// Empty attribute lists mark non-image entries; callers skip them
	// before touching the pixel file.
	if len(inst.Raws) == 0 {
		return inst, nil
	}

	if inst.Pixel, err = os.ReadFile(base + pixelSuffix); err != nil {
		return inst, fmt.Errorf("read pixels: %w", err)
	}
	if data, err := os.ReadFile(base + geometrySuffix); err == nil {
		if err := json.Unmarshal(data, &inst.Geometry); err != nil {
			return inst, fmt.Errorf("decode %s: %w", filepath.Base(base+geometrySuffix), err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return inst, fmt.Errorf("read geometry: %w", err)
	}
	return inst, nil
}

// Payload combines the pixel buffer with its geometry. Values missing from
// the geometry file are taken from the attribute list.
func (inst Instance) Payload() (payload.Payload, error) {
	p := payload.Payload{
		Data:          inst.Pixel,
		BitsAllocated: inst.Geometry.BitsAllocated,
		Rows:          inst.Geometry.Rows,
		Columns:       inst.Geometry.Columns,
	}
	fill := []struct {
		dst *int
		tag tag.Tag
	}{
		{&p.BitsAllocated, tag.BitsAllocated},
		{&p.Rows, tag.Rows},
		{&p.Columns, tag.Columns},
	}
	for _, f := range fill {
		if *f.dst > 0 {
			continue
		}
		v, ok := rawValue(inst.Raws, f.tag)
		if !ok {
			return p, fmt.Errorf("%w: (%s)", ErrMissingGeometry, attribute.FormatTag(f.tag))
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return p, fmt.Errorf("%w: (%s) = %q", ErrMissingGeometry, attribute.FormatTag(f.tag), v)
		}
		*f.dst = n
	}
	return p, nil
}

// rawValue returns the text of the first raw attribute with tag t.
func rawValue(raws []attribute.Raw, t tag.Tag) (string, bool) {
	for _, r := range raws {
		if rt, err := attribute.ParseTag(r.Tag); err == nil && rt == t {
			return r.Value, true
		}
	}
	return "", false
}
