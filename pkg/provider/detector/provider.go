// Package detector defines the Provider interface for remote object and text
// detection services.
//
// A detector receives one JPEG-encoded frame and reports the object labels it
// recognised together with any text it could read. Rate limiting, label
// filtering and soft-failure handling live in the gateway that wraps a
// Provider, not in the providers themselves.
package detector

import "context"

// Result is a single detection response. It is ephemeral: the perception loop
// consumes it within one cycle.
type Result struct {
	// Objects lists detected object labels in the order the service reports
	// them. Labels may carry annotations such as "cup (0.87)".
	Objects []string `json:"objects"`

	// Text is the text read from the frame, possibly spanning several lines.
	Text string `json:"text"`
}

// Provider is the abstraction over any detection backend.
type Provider interface {
	// Detect submits a JPEG frame and returns the detection result. Any
	// non-success response is reported as an error.
	Detect(ctx context.Context, jpeg []byte) (Result, error)
}
