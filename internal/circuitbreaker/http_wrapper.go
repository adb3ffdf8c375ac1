package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with a breaker and records metrics.
type HTTPWrapper struct {
	client  *http.Client
	breaker *Breaker
	name    string
	service string
}

// NewHTTPWrapper builds a wrapper for one upstream. name identifies the
// dependency (llm, embeddings, qdrant); service the consuming component.
func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	b := New(name, HTTPDefaults(), logger)
	Collector.Register(name, service, b)
	return &HTTPWrapper{client: client, breaker: b, name: name, service: service}
}

// Do executes the request through the breaker. 5xx responses count as
// breaker failures but are still returned to the caller; 4xx never trip it.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.breaker.Execute(req.Context(), func() error {
		var doErr error
		resp, doErr = hw.client.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	Collector.RecordRequest(hw.name, hw.service, hw.breaker.State(), err == nil)

	if _, ok := err.(*httpStatusError); ok {
		// The caller still gets the 5xx response body to classify.
		return resp, nil
	}
	return resp, err
}

// IsOpen reports whether the breaker is currently rejecting requests.
func (hw *HTTPWrapper) IsOpen() bool {
	return hw.breaker.State() == StateOpen
}

// httpStatusError marks 5xx responses for breaker accounting only.
type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
