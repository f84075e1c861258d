package richtext

import (
	"regexp"
	"unicode/utf8"

	"github.com/mikequentel/notesky/internal/model"
)

const (
	// MaxPostBytes is the service limit on post text, counted in UTF-8 bytes.
	MaxPostBytes = 300
	// maxTagRunes includes the leading '#'.
	maxTagRunes = 66
)

var (
	// A URL runs until any Unicode whitespace, the ideographic space included.
	reLink = regexp.MustCompile(`https?://[^\s\x{0B}\x{A0}\x{1680}\x{2000}-\x{200A}\x{2028}\x{2029}\x{202F}\x{205F}\x{3000}\x{FEFF}]+`)
	// Word characters plus Hiragana, Katakana and CJK unified ideographs.
	reHashtag = regexp.MustCompile(`#[\w\x{3040}-\x{309F}\x{30A0}-\x{30FF}\x{4E00}-\x{9FAF}]+`)
)

// ByteLen is the length the service checks against MaxPostBytes.
func ByteLen(s string) int { return len(s) }

// OverLimit reports whether s cannot be posted as-is.
func OverLimit(s string) bool { return ByteLen(s) > MaxPostBytes }

// FirstURL returns the first http(s) URL in text, or "".
func FirstURL(text string) string {
	return reLink.FindString(text)
}

// DetectFacets runs the link pass, then the hashtag pass. Passes are not
// checked against each other, so a '#' inside a URL also yields a hashtag.
// It returns nil when nothing matched so callers can omit the field.
func DetectFacets(text string) []model.Facet {
	var facets []model.Facet

	for _, loc := range reLink.FindAllStringIndex(text, -1) {
		facets = append(facets, model.Facet{
			ByteStart: loc[0],
			ByteEnd:   loc[1],
			Kind:      model.FacetLink,
			Value:     text[loc[0]:loc[1]],
		})
	}

	for _, loc := range reHashtag.FindAllStringIndex(text, -1) {
		tag := text[loc[0]:loc[1]]
		if tagLen(tag) > maxTagRunes {
			continue
		}
		facets = append(facets, model.Facet{
			ByteStart: loc[0],
			ByteEnd:   loc[1],
			Kind:      model.FacetHashtag,
			Value:     tag[1:],
		})
	}

	if len(facets) == 0 {
		return nil
	}
	return facets
}

// tagLen counts the way the service counts tag length: UTF-16 code units.
func tagLen(tag string) int {
	n := 0
	for _, r := range tag {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// Slice returns the text a facet covers, or false if its offsets are not a
// valid UTF-8 span of text.
func Slice(text string, f model.Facet) (string, bool) {
	if f.ByteStart < 0 || f.ByteEnd > len(text) || f.ByteStart > f.ByteEnd {
		return "", false
	}
	s := text[f.ByteStart:f.ByteEnd]
	return s, utf8.ValidString(s)
}
