package langclient

import (
	"strings"
	"testing"
)

func TestDocumentSelectorMatches(t *testing.T) {
	tests := []struct {
		name     string
		selector DocumentSelector
		doc      Document
		want     bool
	}{
		{
			name:     "language match",
			selector: DocumentSelector{Languages: []string{"go", "gomod"}},
			doc:      Document{URI: "file:///main.go", LanguageID: "go"},
			want:     true,
		},
		{
			name:     "language mismatch",
			selector: DocumentSelector{Languages: []string{"go"}},
			doc:      Document{URI: "file:///main.rs", LanguageID: "rust"},
			want:     false,
		},
		{
			name: "predicate match",
			selector: DocumentSelector{
				Predicate: func(doc Document) bool {
					return strings.HasSuffix(string(doc.URI), ".mod")
				},
			},
			doc:  Document{URI: "file:///go.mod", LanguageID: ""},
			want: true,
		},
		{
			name: "predicate mismatch",
			selector: DocumentSelector{
				Predicate: func(doc Document) bool { return false },
			},
			doc:  Document{URI: "file:///main.go", LanguageID: "go"},
			want: false,
		},
		{
			name: "language or predicate",
			selector: DocumentSelector{
				Languages: []string{"python"},
				Predicate: func(doc Document) bool {
					return doc.LanguageID == "go"
				},
			},
			doc:  Document{URI: "file:///main.go", LanguageID: "go"},
			want: true,
		},
		{
			name:     "empty selector matches nothing",
			selector: DocumentSelector{},
			doc:      Document{URI: "file:///main.go", LanguageID: "go"},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.selector.Matches(tt.doc); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
