package backend

import (
	"errors"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
)

// DefaultPageSize is the page size used when none is given.
const DefaultPageSize = 10

var (
	ErrEmptyQuestion = errors.New("empty question")
	ErrEmptyProcede  = errors.New("empty procedure")
)

// FAQ is one knowledge-base entry. Procede holds rich-text HTML.
type FAQ struct {
	ID       int    `json:"id"`
	Question string `json:"question"`
	Procede  string `json:"procede"`
}

// FAQInput is the editable part of an entry.
type FAQInput struct {
	Question string `json:"question"`
	Procede  string `json:"procede"`
}

// Check rejects blank fields.
func (in FAQInput) Check() error {
	if strings.TrimSpace(in.Question) == "" {
		return ErrEmptyQuestion
	}
	if strings.TrimSpace(in.Procede) == "" {
		return ErrEmptyProcede
	}
	return nil
}

// Pagination describes where a Page sits in the full listing.
type Pagination struct {
	Total   int  `json:"total"`
	Page    int  `json:"page"`
	Size    int  `json:"size"`
	Pages   int  `json:"pages"`
	HasNext bool `json:"has_next"`
	HasPrev bool `json:"has_prev"`
}

// Links are backend-built URLs; Next and Prev are null at the edges.
type Links struct {
	Self  string  `json:"self"`
	Next  *string `json:"next"`
	Prev  *string `json:"prev"`
	First string  `json:"first"`
	Last  string  `json:"last"`
}

// Page is one page of the paginated listing.
type Page struct {
	Items      []FAQ      `json:"items"`
	Pagination Pagination `json:"pagination"`
	Links      Links      `json:"links"`
}

var (
	procedePolicy = bluemonday.UGCPolicy()
	procedeConv   = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
)

// SafeProcede returns the procedure HTML with scripts and handlers removed.
func (f FAQ) SafeProcede() string {
	return procedePolicy.Sanitize(f.Procede)
}

// ProcedeText renders the procedure as markdown, for terminals and agents.
func (f FAQ) ProcedeText() string {
	md, err := procedeConv.ConvertString(f.SafeProcede())
	if err != nil {
		return strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(f.Procede))
	}
	return strings.TrimSpace(md)
}
