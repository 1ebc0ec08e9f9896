// Package types provides shared types used across multiple packages.
// This package has no dependencies on other storybook packages to avoid import cycles.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// BookType selects how the book is illustrated.
type BookType string

const (
	// BookTypeStory is a fully illustrated picture book.
	BookTypeStory BookType = "story"
	// BookTypeColoring renders every illustration as line art.
	BookTypeColoring BookType = "coloring"
)

// Age groups accepted by the generators.
const (
	AgeGroupToddler   = "0-3"
	AgeGroupPreschool = "3-5"
	AgeGroupEarly     = "5-7"
	AgeGroupMiddle    = "7-12"
)

// Trim sizes supported by the print export.
const (
	TrimLetter = "8.5x11"
	TrimSquare = "8.5x8.5"
)

// Page count bounds for a printable book.
const (
	MinPageCount = 24
	MaxPageCount = 100
)

// Character describes a recurring character the story must include.
type Character struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// BookSpec is a single book generation request.
// It is opaque to the orchestration core and interpreted only by providers.
type BookSpec struct {
	Title            string      `json:"title" yaml:"title"`
	Author           string      `json:"author,omitempty" yaml:"author,omitempty"`
	AgeGroup         string      `json:"age_group" yaml:"age_group"`
	BookType         BookType    `json:"book_type" yaml:"book_type"`
	Theme            string      `json:"theme" yaml:"theme"`
	EducationalFocus string      `json:"educational_focus,omitempty" yaml:"educational_focus,omitempty"`
	TrimSize         string      `json:"trim_size,omitempty" yaml:"trim_size,omitempty"`
	PageCount        int         `json:"page_count,omitempty" yaml:"page_count,omitempty"`
	Characters       []Character `json:"characters,omitempty" yaml:"characters,omitempty"`
	AdditionalPrompt string      `json:"additional_prompt,omitempty" yaml:"additional_prompt,omitempty"`
	TemplateID       string      `json:"template_id,omitempty" yaml:"template_id,omitempty"`
}

// ErrInvalidSpec wraps every BookSpec validation failure.
var ErrInvalidSpec = errors.New("invalid book spec")

// WithDefaults returns a copy with trim size, page count and book type filled in.
func (s BookSpec) WithDefaults() BookSpec {
	if s.TrimSize == "" {
		s.TrimSize = TrimLetter
	}
	if s.PageCount == 0 {
		s.PageCount = MinPageCount
	}
	if s.BookType == "" {
		s.BookType = BookTypeStory
	}
	if len(s.Characters) > 0 {
		chars := make([]Character, len(s.Characters))
		copy(chars, s.Characters)
		s.Characters = chars
	}
	return s
}

// Validate checks the spec after defaults have been applied.
func (s BookSpec) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.Theme) == "" {
		return fmt.Errorf("%w: theme is required", ErrInvalidSpec)
	}
	switch s.AgeGroup {
	case AgeGroupToddler, AgeGroupPreschool, AgeGroupEarly, AgeGroupMiddle:
	default:
		return fmt.Errorf("%w: unknown age group %q", ErrInvalidSpec, s.AgeGroup)
	}
	switch s.BookType {
	case BookTypeStory, BookTypeColoring:
	default:
		return fmt.Errorf("%w: unknown book type %q", ErrInvalidSpec, s.BookType)
	}
	if _, _, err := TrimDimensions(s.TrimSize); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if s.PageCount < MinPageCount || s.PageCount > MaxPageCount {
		return fmt.Errorf("%w: page count %d outside %d-%d", ErrInvalidSpec, s.PageCount, MinPageCount, MaxPageCount)
	}
	for i, c := range s.Characters {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: character %d has no name", ErrInvalidSpec, i)
		}
	}
	return nil
}

// TrimDimensions returns the page size in inches.
func TrimDimensions(trim string) (width, height float64, err error) {
	switch trim {
	case TrimLetter:
		return 8.5, 11, nil
	case TrimSquare:
		return 8.5, 8.5, nil
	default:
		return 0, 0, fmt.Errorf("unsupported trim size %q", trim)
	}
}
