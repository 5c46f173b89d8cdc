package idempotency

import (
	"net/http"
	"sort"
)

// Header is one response header line. Repeated names appear once per value.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SavedResponse is a byte-exact record of a response returned to a client
type SavedResponse struct {
	Status  int
	Headers []Header
	Body    []byte
}

// Capture snapshots a response. Header names are sorted so two captures of the
// same response compare equal.
func Capture(status int, h http.Header, body []byte) SavedResponse {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var headers []Header
	for _, name := range names {
		for _, v := range h[name] {
			headers = append(headers, Header{Name: name, Value: v})
		}
	}
	b := make([]byte, len(body))
	copy(b, body)
	return SavedResponse{Status: status, Headers: headers, Body: b}
}

// Replay writes the saved status, headers and body to w unchanged
func (r SavedResponse) Replay(w http.ResponseWriter) error {
	for _, h := range r.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(r.Status)
	_, err := w.Write(r.Body)
	return err
}
