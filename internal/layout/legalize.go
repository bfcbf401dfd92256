// Package layout decides where assembled files go: one directory per study,
// one per series inside it, and zero padded file names per instance.
package layout

import "strings"

// Characters illegal in file names on at least one common filesystem are
// swapped for look-alike full-width forms, so display names stay readable.
var illegalReplacer = strings.NewReplacer(
	"<", "＜",
	">", "＞",
	":", "：",
	`"`, "'",
	"/", "／",
	`\`, "＼",
	"?", "？",
	"*", "＊",
	"|", "｜",
)

// Legalize trims s and replaces filesystem-illegal characters.
func Legalize(s string) string {
	return illegalReplacer.Replace(strings.TrimSpace(s))
}
