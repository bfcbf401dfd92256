package layout

import (
	"crypto/sha256"
	"encoding/base64"
	"path/filepath"
	"strings"
	"unicode"
)

// Unnamed is used when nothing usable names a study part or a series.
const Unnamed = "Unnamed"

// Study carries the fields a study directory is named after.
type Study struct {
	PatientName string
	Description string
	// Modality names the exam when Description is empty.
	Modality string
	Date     string
}

// DirName returns "<patient>-<exam>-<date>", each part legalized.
func (s Study) DirName() string {
	patient := Legalize(strings.Join(strings.Fields(strings.ReplaceAll(s.PatientName, "^", " ")), " "))
	exam := Legalize(s.Description)
	if exam == "" {
		exam = Legalize(s.Modality)
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{patient, exam, digitsOnly(s.Date)} {
		if p == "" {
			p = Unnamed
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, "-")
}

// Dir joins the study directory name onto root.
func (s Study) Dir(root string) string {
	return filepath.Join(root, s.DirName())
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// SeriesName picks a directory name for a series: its description, else its
// number, else a short digest of its instance UID.
func SeriesName(description, number, instanceUID string) string {
	if name := Legalize(description); name != "" {
		return name
	}
	if name := Legalize(number); name != "" {
		return name
	}
	if instanceUID != "" {
		sum := sha256.Sum256([]byte(instanceUID))
		return Legalize(base64.StdEncoding.EncodeToString(sum[:])[:20])
	}
	return Unnamed
}
