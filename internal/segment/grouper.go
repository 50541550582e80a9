// Package segment discovers multi-part recordings produced by a split and
// orders them for concatenation.
package segment

import (
	"cmp"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Part is one numbered file of a family.
type Part struct {
	Number int
	Path   string
}

// Family is the set of parts sharing an id, in concatenation order.
type Family struct {
	ID    string
	Parts []Part
}

// Paths returns the part paths in order.
func (f Family) Paths() []string {
	return lo.Map(f.Parts, func(p Part, _ int) string { return p.Path })
}

type match struct {
	id string
	Part
}

// Group matches each filename against <id>_part<digits>.<ext> and returns
// one Family per id. Parts are ordered by the integer value of their digit
// run, so _part2 precedes _part10. Names that do not match, or whose digit
// run does not parse, are dropped. Families are returned sorted by id.
//
// Paths are kept exactly as given; only the base name is matched.
func Group(filenames []string, ext string) []Family {
	re := partPattern(ext)

	matches := lo.FilterMap(filenames, func(path string, _ int) (match, bool) {
		m := re.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			return match{}, false
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return match{}, false
		}
		return match{id: m[1], Part: Part{Number: n, Path: path}}, true
	})

	families := make([]Family, 0)
	for id, group := range lo.GroupBy(matches, func(m match) string { return m.id }) {
		parts := lo.Map(group, func(m match, _ int) Part { return m.Part })
		// Equal numbers (part1 and part01) fall back to name order so the
		// result does not depend on directory listing order.
		slices.SortFunc(parts, func(a, b Part) int {
			return cmp.Or(cmp.Compare(a.Number, b.Number), strings.Compare(a.Path, b.Path))
		})
		families = append(families, Family{ID: id, Parts: parts})
	}
	slices.SortFunc(families, func(a, b Family) int { return strings.Compare(a.ID, b.ID) })
	return families
}

func partPattern(ext string) *regexp.Regexp {
	ext = regexp.QuoteMeta(strings.TrimPrefix(ext, "."))
	return regexp.MustCompile(`^(.+)_part([0-9]+)\.(?i:` + ext + `)$`)
}
