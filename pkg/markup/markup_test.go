package markup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslateEscapesEntitiesBeforeOtherRules(t *testing.T) {
	assert.Equal(t, "a &amp; b &lt; c", Translate("a & b < c"))
}

func TestTranslateLink(t *testing.T) {
	assert.Equal(t, "see <https://example.com|docs>", Translate("see [docs](https://example.com)"))
}

func TestTranslateHeading(t *testing.T) {
	assert.Equal(t, "*Title*", Translate("# Title"))
	assert.Equal(t, "*Subsection*", Translate("### Subsection"))
}

func TestTranslateBold(t *testing.T) {
	assert.Equal(t, "this is *bold* text", Translate("this is **bold** text"))
}

func TestTranslateStrikethrough(t *testing.T) {
	assert.Equal(t, "this is ~gone~ text", Translate("this is ~~gone~~ text"))
}

func TestTranslateHorizontalRule(t *testing.T) {
	assert.Equal(t, hrGlyph, Translate("---"))
	assert.Equal(t, hrGlyph, Translate("****"))
	assert.Equal(t, hrGlyph, Translate("____"))
}

func TestTranslateBulletList(t *testing.T) {
	assert.Equal(t, "• first\n• second", Translate("- first\n* second"))
}

func TestTranslateIdempotentOnPlainText(t *testing.T) {
	plain := "just some plain text with no tokens at all"
	assert.Equal(t, plain, Translate(plain))
	assert.Equal(t, Translate(plain), Translate(Translate(plain)))
}

func TestTranslatePreservesFencedCodeInterior(t *testing.T) {
	input := "before\n```go\nfunc f() *int { return nil }\n// **not bold**\n```\nafter **bold**"
	want := "before\n```\nfunc f() *int { return nil }\n// **not bold**\n```\nafter *bold*"
	assert.Equal(t, want, Translate(input))
}

func TestTranslateStripsOnlyOpeningFenceLanguageTag(t *testing.T) {
	input := "```python\nprint('[a](b)')\n```"
	want := "```\nprint('[a](b)')\n```"
	assert.Equal(t, want, Translate(input))
}

func TestTranslateBoldBeforeSingleAsterisk(t *testing.T) {
	// a line that is bold-emphasis should not be mistaken for a bullet
	// or a horizontal rule once reduced to single asterisks.
	assert.Equal(t, "*shout*", Translate("**shout**"))
}

func TestTranslateRunsInOrderOnCombinedLine(t *testing.T) {
	input := "# **Bold Heading** with <tag> & more"
	got := Translate(input)
	assert.Contains(t, got, "&lt;tag>")
	assert.Contains(t, got, "&amp; more")
	assert.True(t, strings.HasPrefix(got, "*") && strings.HasSuffix(got, "*"))
}
