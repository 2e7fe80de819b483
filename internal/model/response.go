package model

// Envelope wraps every JSON response body. Exactly one of Data and Error is
// meaningful, selected by Success.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// OK builds a success envelope.
func OK(data interface{}) Envelope {
	return Envelope{Success: true, Data: data}
}

// Fail builds an error envelope.
func Fail(message string) Envelope {
	return Envelope{Success: false, Error: message}
}

// Page is the data payload of paginated list endpoints.
type Page struct {
	Items interface{} `json:"items"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
	Total int         `json:"total"`
}
