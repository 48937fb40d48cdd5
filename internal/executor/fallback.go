package executor

// Fallback supplies alternate tools to try, in order, when a tool's
// output is invalid.
type Fallback interface {
	Alternates(tool string) []string
}

// NoFallback never offers an alternate.
type NoFallback struct{}

// Alternates implements Fallback.
func (NoFallback) Alternates(string) []string { return nil }

// ChainFallback maps a tool name to its alternate chain.
type ChainFallback map[string][]string

// Alternates implements Fallback.
func (c ChainFallback) Alternates(tool string) []string { return c[tool] }
