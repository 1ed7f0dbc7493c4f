package executor

// Location points into the query document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// GraphQLError represents an error that occurred during execution
type GraphQLError struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       Path           `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e GraphQLError) Error() string {
	return e.Message
}

// ExecutionResult represents the result of executing a GraphQL query
type ExecutionResult struct {
	Data   any            `json:"data"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// coder is implemented by resolver errors that carry a machine readable code.
type coder interface {
	Code() string
}

// fieldError converts a resolver failure into a located GraphQL error,
// exposing its code under extensions.code when one is available.
func fieldError(err error, path Path) GraphQLError {
	ge := GraphQLError{Message: err.Error(), Path: path}
	for e := err; e != nil; {
		if c, ok := e.(coder); ok && c.Code() != "" {
			ge.Extensions = map[string]any{"code": c.Code()}
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return ge
}
