package tools

import "strings"

// Category is the coarse kind of work a tool does. It drives the
// response type reported to callers.
type Category string

const (
	CategoryAction      Category = "action"
	CategoryAnalysis    Category = "analysis"
	CategoryInformation Category = "information"
)

// ParseCategory returns the category named by s.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategoryAction, CategoryAnalysis, CategoryInformation:
		return c, true
	}
	return "", false
}

var staticCategories = map[string]Category{
	"route_planner":  CategoryAction,
	"route_search":   CategoryAction,
	"calendar":       CategoryAction,
	"reminder":       CategoryAction,
	"send_message":   CategoryAction,
	"deal_finder":    CategoryAnalysis,
	"price_compare":  CategoryAnalysis,
	"budget_planner": CategoryAnalysis,
	"summarize":      CategoryAnalysis,
	"weather":        CategoryInformation,
	"traffic":        CategoryInformation,
	"news":           CategoryInformation,
	"search":         CategoryInformation,
	"current_time":   CategoryInformation,
}

// StaticCategory looks name up in the built-in category table. Tools
// not listed are information.
func StaticCategory(name string) Category {
	if c, ok := staticCategories[name]; ok {
		return c
	}
	return CategoryInformation
}
