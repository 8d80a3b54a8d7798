package mgmt

import "github.com/p-blackswan/factbot/internal/store"

// SubmitFactRequest is the body of POST /api/v1/facts.
type SubmitFactRequest struct {
	Text   string `json:"text" form:"text"`
	Author string `json:"author,omitempty" form:"author"`
}

// FactListResponse wraps a page of facts.
type FactListResponse struct {
	Facts []store.Fact `json:"facts"`
	Count int          `json:"count"`
}

// RandomFactResponse is returned by GET /api/v1/facts/random.
type RandomFactResponse struct {
	Text string `json:"text"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
