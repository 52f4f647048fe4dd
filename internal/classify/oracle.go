package classify

import "context"

// OracleRequest is the evidence handed to the language-model oracle in
// hybrid_llm mode.
type OracleRequest struct {
	Verdict  string    `json:"verdict"`
	Stdout   string    `json:"stdout"`
	Stderr   string    `json:"stderr"`
	Commands []string  `json:"commands"`
	Diff     DiffStats `json:"diff"`
}

// Oracle is an external second opinion on a rules verdict. Its answer
// supersedes the rules only when it returns GradePass; errors and non-PASS
// answers leave the rules verdict in place.
type Oracle interface {
	Review(ctx context.Context, req OracleRequest) (Grade, error)
}
