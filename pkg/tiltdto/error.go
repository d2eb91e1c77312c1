package tiltdto

// ErrorResponse is the body the scoring endpoint sends with non-2xx codes.
type ErrorResponse struct {
	Error string `json:"error"`
}
