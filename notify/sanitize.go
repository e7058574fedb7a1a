package notify

import (
	"html"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

var (
	strict  = bluemonday.StrictPolicy()
	ugc     = bluemonday.UGCPolicy()
	tagLike = regexp.MustCompile(`<[a-zA-Z/!][^>]*>`)
)

var mdConv = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// cleanTitle strips every tag and collapses whitespace.
func cleanTitle(s string) string {
	s = html.UnescapeString(strict.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

// cleanMessage returns the message as markdown text, plus the sanitized
// HTML when the input carried markup.
func cleanMessage(s string) (text, safeHTML string) {
	s = strings.TrimSpace(s)
	if !tagLike.MatchString(s) {
		return s, ""
	}
	safeHTML = ugc.Sanitize(s)
	md, err := mdConv.ConvertString(safeHTML)
	if err != nil {
		return html.UnescapeString(strict.Sanitize(s)), safeHTML
	}
	return strings.TrimSpace(md), safeHTML
}
