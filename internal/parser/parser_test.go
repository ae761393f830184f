package parser

import (
	"testing"
	"time"

	"github.com/starford/vitrum/internal/models"
)

func TestParse_FrontmatterTitleAndLinks(t *testing.T) {
	raw := []byte("---\ntitle: Hello World\ntags: [go, test]\n---\nsee [[b]] and [[c|alias]]\n")
	doc, err := Parse("knowledge/a.md", raw, time.Now())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Title != "Hello World" {
		t.Errorf("Title = %q", doc.Title)
	}
	if len(doc.Links) != 2 || doc.Links[0] != "b" || doc.Links[1] != "c" {
		t.Errorf("Links = %v", doc.Links)
	}
	if len(doc.Tags) != 2 || doc.Tags[0] != "go" {
		t.Errorf("Tags = %v", doc.Tags)
	}
	if doc.Type != models.DocTypeKnowledge {
		t.Errorf("Type = %v", doc.Type)
	}
}

func TestParse_HeadingTitleFallback(t *testing.T) {
	raw := []byte("# A\nsee [[b]]")
	doc, err := Parse("knowledge/a.md", raw, time.Now())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Title != "A" {
		t.Errorf("Title = %q", doc.Title)
	}
}

func TestParse_FilenameTitleFallback(t *testing.T) {
	doc, err := Parse("tasks/buy-milk.md", []byte("no heading here"), time.Now())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Title != "Buy Milk" {
		t.Errorf("Title = %q", doc.Title)
	}
	if doc.Type != models.DocTypeTask {
		t.Errorf("Type = %v", doc.Type)
	}
}

func TestParse_TagIndexAliasesToTag(t *testing.T) {
	raw := []byte("---\ntype: tag-index\n---\nbody\n")
	doc, err := Parse("other/x.md", raw, time.Now())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Type != models.DocTypeTag {
		t.Errorf("Type = %v, want tag", doc.Type)
	}
}

func TestParse_MalformedFrontmatterFallsBackToBody(t *testing.T) {
	raw := []byte("---\n:::not yaml:::\n---\nbody text\n")
	doc, err := Parse("a.md", raw, time.Now())
	if err != nil {
		t.Fatalf("Parse returned error, want fallback: %v", err)
	}
	if doc.Content == "" {
		t.Errorf("expected fallback content, got empty")
	}
}

func TestDeriveExcerpt_StripsStructureAndTruncates(t *testing.T) {
	body := "# Heading\n\n```go\ncode block\n```\n\nSome **bold** text with a [link](http://x) and [[wiki]] reference."
	doc, err := Parse("a.md", []byte(body), time.Now())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Excerpt == "" {
		t.Fatal("expected non-empty excerpt")
	}
	if len(doc.Excerpt) > 201 {
		t.Errorf("excerpt too long: %d", len(doc.Excerpt))
	}
}
