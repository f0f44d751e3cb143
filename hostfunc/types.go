package hostfunc

// State types

type StateGetRequest struct {
	Key     string `json:"key"`
	Default any    `json:"default,omitempty"`
}

type StatePutRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type StateDeleteRequest struct {
	Key string `json:"key"`
}

// Host API types

type DisplayRequest struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// HTTP types

type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type HTTPResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}
