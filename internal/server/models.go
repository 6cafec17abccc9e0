package server

// HTTPError is the unified error envelope returned by the API.
type HTTPError struct {
	Error string `json:"error"`
}

// SubmissionGradedEvent is the webhook payload from the grading service.
type SubmissionGradedEvent struct {
	OwnerID      string `json:"owner_id"`
	AssignmentID string `json:"assignment_id"`
	SubmissionID string `json:"submission_id"`
}

// OverrideTag is one tag row of a manual override payload.
type OverrideTag struct {
	Label    string   `json:"label"`
	Count    int      `json:"count"`
	Examples []string `json:"examples"`
}

// OverrideRequest replaces an assignment's tag set by hand. Lock controls
// whether the assignment is pinned against future sweeps; unset means lock.
type OverrideRequest struct {
	Tags []OverrideTag `json:"tags"`
	Lock *bool         `json:"lock"`
}
