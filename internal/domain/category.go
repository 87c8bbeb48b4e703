package domain

// Category classifies a request by the kind of work its payload performs.
type Category string

const (
	CategoryRender     Category = "long-form-media-render"
	CategorySearch     Category = "external-search"
	CategoryRetrieval  Category = "document-retrieval"
	CategoryCode       Category = "code-execution"
	CategoryEvaluation Category = "evaluation"
	CategoryUnknown    Category = "unknown"
)

// Categories returns every category in classification order.
func Categories() []Category {
	return []Category{
		CategoryRender,
		CategorySearch,
		CategoryRetrieval,
		CategoryCode,
		CategoryEvaluation,
		CategoryUnknown,
	}
}

// ParseCategory maps s onto the closed category set.
// Returns CategoryUnknown and false when s names no category.
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories() {
		if string(c) == s {
			return c, true
		}
	}
	return CategoryUnknown, false
}
