package dto

// PolicyUpdateRequest is the PUT /admin/retention/policies/:name payload. Durations use Go
// duration syntax, e.g. "2160h".
type PolicyUpdateRequest struct {
	ActiveRetention  string `json:"activeRetention" validate:"required"`
	ArchiveRetention string `json:"archiveRetention" validate:"required"`
	Enabled          *bool  `json:"enabled,omitempty"`
}
