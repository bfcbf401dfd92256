package layout

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SeriesPlan places the files of one series. The directory is only created
// when the first file path is requested, so series whose instances all turn
// out to be unusable leave nothing behind.
//
// A SeriesPlan is owned by a single goroutine.
type SeriesPlan struct {
	// Suggested is the directory asked for; Dir is the one actually created.
	Suggested string
	Dir       string
	Total     int
	Width     int
	// Unique makes the plan pick a fresh sibling when Suggested exists,
	// instead of writing into it.
	Unique bool

	// made is set when Ensure created Dir rather than found it.
	made bool
}

// NewSeriesPlan prepares a plan for total instances under dir.
func NewSeriesPlan(dir string, total int, unique bool) *SeriesPlan {
	return &SeriesPlan{
		Suggested: dir,
		Total:     total,
		Width:     PadWidth(total),
		Unique:    unique,
	}
}

// PadWidth is the number of digits file names are padded to for a series of
// total instances.
func PadWidth(total int) int {
	if total < 1 {
		total = 1
	}
	return int(math.Floor(math.Log10(float64(total)))) + 2
}

// FileName returns the name of the instance at index (zero based).
func (p *SeriesPlan) FileName(index int, ext string) string {
	num := strconv.Itoa(index + 1)
	if pad := p.Width - len(num); pad > 0 {
		num = strings.Repeat("0", pad) + num
	}
	return num + "." + strings.TrimPrefix(ext, ".")
}

// Created reports whether the series directory exists yet.
func (p *SeriesPlan) Created() bool {
	return p.Dir != ""
}

// Ensure creates the series directory if it was not created already.
func (p *SeriesPlan) Ensure() (string, error) {
	if p.Dir != "" {
		return p.Dir, nil
	}
	if p.Unique {
		dir, err := MakeUniqueDir(p.Suggested)
		if err != nil {
			return "", err
		}
		p.Dir = dir
		p.made = true
		return dir, nil
	}
	_, statErr := os.Stat(p.Suggested)
	if err := os.MkdirAll(p.Suggested, dirPerm); err != nil {
		return "", fmt.Errorf("create series directory: %w", err)
	}
	p.Dir = p.Suggested
	p.made = os.IsNotExist(statErr)
	return p.Dir, nil
}

// Discard removes the series directory when Ensure created it and it is
// still empty, so a failed first write leaves nothing behind. The next Ensure
// starts over.
func (p *SeriesPlan) Discard() {
	if p.Dir == "" || !p.made {
		return
	}
	entries, err := os.ReadDir(p.Dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := os.Remove(p.Dir); err != nil {
		return
	}
	p.Dir = ""
	p.made = false
}

// Path creates the series directory if needed and returns the path for the
// instance at index.
func (p *SeriesPlan) Path(index int, ext string) (string, error) {
	dir, err := p.Ensure()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, p.FileName(index, ext)), nil
}

// Instance returns a lazily resolved destination for the instance at index.
func (p *SeriesPlan) Instance(index int, ext string) InstanceFile {
	return InstanceFile{plan: p, index: index, ext: ext}
}

// InstanceFile defers directory creation until its path is asked for.
type InstanceFile struct {
	plan  *SeriesPlan
	index int
	ext   string
}

// Path creates the series directory if needed and returns the file path.
func (f InstanceFile) Path() (string, error) {
	return f.plan.Path(f.index, f.ext)
}

// Discard is called after a failed write to f.
func (f InstanceFile) Discard() {
	f.plan.Discard()
}
