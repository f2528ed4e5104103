package http

// HealthResponse is the response body for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET <prefix>/status.
type StatusResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Services map[string]string `json:"services"`
	Counts   StatusCounts      `json:"counts"`
}

// StatusCounts contains resource counts.
type StatusCounts struct {
	Chunks int `json:"chunks"`
}
