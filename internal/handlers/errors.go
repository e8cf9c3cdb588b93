package handlers

// ErrorResponse is the JSON body echo writes for an HTTPError.
type ErrorResponse struct {
	Message string `json:"message"`
}
