package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern        = regexp.MustCompile(`https?://\S+`)
	speechMarkdownLink      = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	speechSymbolReplacer    = strings.NewReplacer("*", " ", "_", " ", "\\", " ", "/", " ", "|", " ", "#", " ", "~", " ", "<", " ", ">", " ")
	speechSafePunctuation   = ".,!?:;'\"-()"
	speechDroppedCategories = []*unicode.RangeTable{unicode.So, unicode.Sm, unicode.Sk}
)

// speakableText strips what an intent agent's rich-text reply carries but a voice
// should not read out: links, markup, emoji and stray symbols.
func speakableText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = speechMarkdownLink.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = speechSymbolReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	space := func() {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), " ") {
			b.WriteByte(' ')
		}
	}
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			space()
		case unicode.IsControl(r), unicode.Is(unicode.Mn, r) && r >= 0xfe00, unicode.In(r, speechDroppedCategories...):
		case strings.ContainsRune(speechSafePunctuation, r):
			b.WriteRune(r)
		case unicode.IsPunct(r):
			space()
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
