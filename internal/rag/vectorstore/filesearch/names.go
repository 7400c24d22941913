package filesearch

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mozillazg/go-unidecode"
	"golang.org/x/text/unicode/norm"
)

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	underscores = regexp.MustCompile(`_+`)
)

// isASCII reports whether s has no bytes above 0x7f.
func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// ASCIIName transliterates a file name to an ASCII-safe form. Names that are
// already ASCII are returned unchanged.
func ASCIIName(name string) string {
	if isASCII(name) {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	base = unidecode.Unidecode(norm.NFKC.String(base))
	base = unsafeChars.ReplaceAllString(strings.TrimSpace(base), "_")
	base = strings.Trim(underscores.ReplaceAllString(base, "_"), "_.")
	if base == "" {
		base = "file"
	}

	ext = unsafeChars.ReplaceAllString(unidecode.Unidecode(norm.NFKC.String(ext)), "")
	return base + ext
}

// renamePlan maps original file names to unique ASCII upload names.
func renamePlan(names []string) map[string]string {
	plan := make(map[string]string, len(names))
	used := make(map[string]bool, len(names))
	for _, n := range names {
		if isASCII(n) {
			used[n] = true
		}
	}
	for _, n := range names {
		if isASCII(n) {
			plan[n] = n
			continue
		}
		candidate := ASCIIName(n)
		if used[candidate] {
			ext := filepath.Ext(candidate)
			stem := strings.TrimSuffix(candidate, ext)
			for i := 2; ; i++ {
				alt := stem + "_" + strconv.Itoa(i) + ext
				if !used[alt] {
					candidate = alt
					break
				}
			}
		}
		used[candidate] = true
		plan[n] = candidate
	}
	return plan
}

// rewriteReferences replaces every renamed file name in a metadata document
// with its upload name. Longer names are replaced first so a name that is a
// prefix of another does not clobber it.
func rewriteReferences(doc string, plan map[string]string) string {
	var pairs []string
	olds := make([]string, 0, len(plan))
	for old, renamed := range plan {
		if old != renamed {
			olds = append(olds, old)
		}
	}
	if len(olds) == 0 {
		return doc
	}
	sort.Slice(olds, func(i, j int) bool {
		if len(olds[i]) != len(olds[j]) {
			return len(olds[i]) > len(olds[j])
		}
		return olds[i] < olds[j]
	})
	for _, old := range olds {
		pairs = append(pairs, old, plan[old])
	}
	return strings.NewReplacer(pairs...).Replace(doc)
}
