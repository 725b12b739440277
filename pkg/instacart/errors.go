package instacart

import (
	"fmt"
	"strings"
)

// APIError is returned when the platform responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("instacart: HTTP %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// GraphQLIssue is one entry of a GraphQL errors array.
type GraphQLIssue struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// GraphQLError is returned when a 200 response carries GraphQL errors.
type GraphQLError struct {
	Operation string
	Issues    []GraphQLIssue
}

func (e *GraphQLError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		msgs = append(msgs, is.Message)
	}
	return fmt.Sprintf("instacart: %s: graphql errors: %s", e.Operation, strings.Join(msgs, "; "))
}

// Unauthenticated reports whether the platform rejected the session.
func (e *GraphQLError) Unauthenticated() bool {
	for _, is := range e.Issues {
		switch is.Extensions.Code {
		case "UNAUTHENTICATED", "FORBIDDEN":
			return true
		}
	}
	return false
}

// FieldReport is a user-facing error returned inside a mutation payload.
type FieldReport struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MutationError is returned when a mutation succeeds at the transport level
// but the platform refuses it, such as a declined payment.
type MutationError struct {
	Operation string
	Reports   []FieldReport
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("instacart: %s refused: %s", e.Operation, e.Reason())
}

// Reason joins the platform's messages.
func (e *MutationError) Reason() string {
	msgs := make([]string, 0, len(e.Reports))
	for _, r := range e.Reports {
		msgs = append(msgs, r.Message)
	}
	return strings.Join(msgs, "; ")
}

// ShapeError is returned when a response does not have the expected shape.
type ShapeError struct {
	Operation string
	Detail    string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("instacart: %s: unexpected response: %s", e.Operation, e.Detail)
}

// UnsupportedOperationError is returned when a persisted query has no
// configured hash.
type UnsupportedOperationError struct {
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("instacart: no persisted query configured for %s", e.Operation)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
