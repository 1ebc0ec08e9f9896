package types

import (
	"errors"
	"testing"
)

func TestBookSpecValidate(t *testing.T) {
	base := BookSpec{Title: "Moon Garden", Theme: "friendship", AgeGroup: AgeGroupPreschool}.WithDefaults()

	tests := []struct {
		name    string
		mutate  func(*BookSpec)
		wantErr bool
	}{
		{"valid defaults", func(*BookSpec) {}, false},
		{"missing title", func(s *BookSpec) { s.Title = " " }, true},
		{"missing theme", func(s *BookSpec) { s.Theme = "" }, true},
		{"bad age group", func(s *BookSpec) { s.AgeGroup = "13-18" }, true},
		{"bad book type", func(s *BookSpec) { s.BookType = "comic" }, true},
		{"bad trim", func(s *BookSpec) { s.TrimSize = "6x9" }, true},
		{"too few pages", func(s *BookSpec) { s.PageCount = 12 }, true},
		{"too many pages", func(s *BookSpec) { s.PageCount = 101 }, true},
		{"unnamed character", func(s *BookSpec) { s.Characters = []Character{{Description: "a fox"}} }, true},
		{"coloring square", func(s *BookSpec) { s.BookType = BookTypeColoring; s.TrimSize = TrimSquare }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base
			tt.mutate(&spec)
			err := spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("Validate() error = %v, want ErrInvalidSpec", err)
			}
		})
	}
}

func TestWithDefaults(t *testing.T) {
	s := BookSpec{}.WithDefaults()
	if s.TrimSize != TrimLetter || s.PageCount != MinPageCount || s.BookType != BookTypeStory {
		t.Errorf("WithDefaults() = %+v", s)
	}
}

func TestDefaultStagesDependOnPrevious(t *testing.T) {
	stages := DefaultStages()
	if len(stages) != 4 {
		t.Fatalf("len(DefaultStages()) = %d, want 4", len(stages))
	}
	for i := 1; i < len(stages); i++ {
		if stages[i].DependsOn != stages[i-1].Name {
			t.Errorf("stage %s depends on %q, want %q", stages[i].Name, stages[i].DependsOn, stages[i-1].Name)
		}
	}
}
