package estimator

import (
	"strings"
	"unicode"

	"github.com/ramiqadoumi/go-task-orchestrator/internal/domain"
)

// vocabulary is checked in order; the first category with a match wins.
var vocabulary = []struct {
	category domain.Category
	terms    []string
}{
	{domain.CategoryRender, []string{
		"video", "render", "rendering", "animation", "animate", "movie", "clip",
		"podcast", "audio", "narration", "slideshow", "generate an image", "draw",
	}},
	{domain.CategorySearch, []string{
		"search", "google", "look up", "lookup", "latest", "news", "find out",
		"browse", "web", "online", "current",
	}},
	{domain.CategoryRetrieval, []string{
		"document", "documents", "file", "files", "pdf", "retrieve", "fetch",
		"read", "open", "knowledge base", "notes", "attachment",
	}},
	{domain.CategoryCode, []string{
		"code", "execute", "run", "script", "python", "compute", "calculate",
		"program", "function", "compile", "snippet",
	}},
	{domain.CategoryEvaluation, []string{
		"evaluate", "evaluation", "benchmark", "grade", "assess", "score",
		"compare", "judge", "rank", "review",
	}},
}

// Classify picks the category for a request. A valid hint always wins;
// otherwise the text is matched against fixed per-category vocabularies.
// Classify has no side effects.
func Classify(text, hint string) domain.Category {
	if c, ok := domain.ParseCategory(strings.TrimSpace(hint)); ok {
		return c
	}

	// Pad with spaces so terms only match on word boundaries.
	normalized := " " + strings.Join(tokenize(text), " ") + " "
	if strings.TrimSpace(normalized) == "" {
		return domain.CategoryUnknown
	}
	for _, v := range vocabulary {
		for _, term := range v.terms {
			if strings.Contains(normalized, " "+term+" ") {
				return v.category
			}
		}
	}
	return domain.CategoryUnknown
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
