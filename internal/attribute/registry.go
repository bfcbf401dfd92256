package attribute

import (
	"fmt"
	"sort"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// commonNames maps lowercase keywords of the attributes most often overridden
// to their tags. Lookups fall back to the full dictionary; this table only
// feeds case-insensitive matching and typo suggestions.
var commonNames = map[string]Definition{
	"patientname":      {Name: "PatientName", Tag: tag.PatientName},
	"patientid":        {Name: "PatientID", Tag: tag.PatientID},
	"patientbirthdate": {Name: "PatientBirthDate", Tag: tag.PatientBirthDate},
	"patientsex":       {Name: "PatientSex", Tag: tag.PatientSex},

	"studydescription":       {Name: "StudyDescription", Tag: tag.StudyDescription},
	"studydate":              {Name: "StudyDate", Tag: tag.StudyDate},
	"studyid":                {Name: "StudyID", Tag: tag.StudyID},
	"accessionnumber":        {Name: "AccessionNumber", Tag: tag.AccessionNumber},
	"institutionname":        {Name: "InstitutionName", Tag: tag.InstitutionName},
	"referringphysicianname": {Name: "ReferringPhysicianName", Tag: tag.ReferringPhysicianName},

	"seriesdescription": {Name: "SeriesDescription", Tag: tag.SeriesDescription},
	"seriesnumber":      {Name: "SeriesNumber", Tag: tag.SeriesNumber},
	"modality":          {Name: "Modality", Tag: tag.Modality},
	"bodypartexamined":  {Name: "BodyPartExamined", Tag: tag.BodyPartExamined},
	"protocolname":      {Name: "ProtocolName", Tag: tag.ProtocolName},
	"manufacturer":      {Name: "Manufacturer", Tag: tag.Manufacturer},

	"windowcenter": {Name: "WindowCenter", Tag: tag.WindowCenter},
	"windowwidth":  {Name: "WindowWidth", Tag: tag.WindowWidth},
}

// LookupName returns the definition of a standard attribute by keyword, or
// by "GGGG,EEEE" tag. Keywords in the common table match case-insensitively;
// others must be spelled as in the dictionary. Unknown names produce an
// error suggesting the closest common keyword.
func LookupName(name string) (Definition, error) {
	trimmed := strings.TrimSpace(name)

	if t, err := ParseTag(trimmed); err == nil {
		if def, ok := Resolve(t); ok {
			return def, nil
		}
		return Definition{}, fmt.Errorf("unknown tag %q", name)
	}

	if common, ok := commonNames[strings.ToLower(trimmed)]; ok {
		if def, ok := Resolve(common.Tag); ok {
			return def, nil
		}
	}

	if info, err := tag.FindByKeyword(trimmed); err == nil {
		if def, ok := Resolve(info.Tag); ok {
			return def, nil
		}
	}

	if suggestion := closestName(strings.ToLower(trimmed)); suggestion != "" {
		return Definition{}, fmt.Errorf("unknown attribute %q, did you mean %q?", name, suggestion)
	}
	return Definition{}, fmt.Errorf("unknown attribute %q", name)
}

// Override sets one attribute on every instance of a run.
type Override struct {
	Tag   tag.Tag
	Value string
}

// ParseOverrides resolves a name to value mapping into overrides, failing on
// the first unknown name.
func ParseOverrides(values map[string]string) ([]Override, error) {
	overrides := make([]Override, 0, len(values))
	for name, value := range values {
		def, err := LookupName(name)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, Override{Tag: def.Tag, Value: value})
	}
	sort.Slice(overrides, func(i, j int) bool {
		return tagBefore(overrides[i].Tag, overrides[j].Tag)
	})
	return overrides, nil
}

func tagBefore(a, b tag.Tag) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}

// ApplyOverrides returns a copy of raws with overridden values replaced in
// place. Overrides for attributes absent from raws are appended.
func ApplyOverrides(raws []Raw, overrides []Override) []Raw {
	if len(overrides) == 0 {
		return raws
	}
	out := make([]Raw, len(raws), len(raws)+len(overrides))
	copy(out, raws)

	for _, o := range overrides {
		found := false
		for i := range out {
			if t, err := ParseTag(out[i].Tag); err == nil && t == o.Tag {
				out[i].Value = o.Value
				found = true
			}
		}
		if !found {
			out = append(out, Raw{Tag: FormatTag(o.Tag), Value: o.Value})
		}
	}
	return out
}

// closestName finds the closest common keyword using Levenshtein distance.
// Returns empty string if no close match is found (distance > 5).
func closestName(input string) string {
	const maxDistance = 5
	bestDistance := maxDistance + 1
	var bestMatch string

	for key, def := range commonNames {
		distance := levenshteinDistance(input, key)
		if distance < bestDistance || (distance == bestDistance && def.Name < bestMatch) {
			bestDistance = distance
			bestMatch = def.Name
		}
	}

	if bestDistance <= maxDistance {
		return bestMatch
	}
	return ""
}

func levenshteinDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
