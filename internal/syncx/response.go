package syncx

// Record is one entity with sync metadata exposed
type Record struct {
	UID        string         `json:"uid"`
	Collection string         `json:"collection"`
	Version    int            `json:"version"`
	UpdatedAt  string         `json:"updatedAt"`
	DeletedAt  *string        `json:"deletedAt,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// Flatten returns the payload with uid and version merged in, the shape the
// cache and the rendering layer consume
func (r Record) Flatten() map[string]any {
	out := make(map[string]any, len(r.Payload)+2)
	for k, v := range r.Payload {
		out[k] = v
	}
	out["uid"] = r.UID
	out["version"] = r.Version
	return out
}

// ErrorBody is the error object of a failed apply
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ApplyResponse is the Sync Endpoint response envelope
type ApplyResponse struct {
	Success bool       `json:"success"`
	Record  *Record    `json:"record,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ListResponse is one page of a collection listing
type ListResponse struct {
	Items      []Record `json:"items"`
	NextCursor *string  `json:"nextCursor,omitempty"`
}
