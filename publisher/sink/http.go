package sink

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxErrorBody = 512

// StatusError is a non-2xx response from a destination API
type StatusError struct {
	Destination string
	StatusCode  int
	Body        string
}

func (e *StatusError) Error() string {
	if e.StatusCode == http.StatusTooManyRequests {
		return fmt.Sprintf("%s: rate limited (429)", e.Destination)
	}
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Destination, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Destination, e.StatusCode, e.Body)
}

func checkResponse(destination string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Destination: destination,
		StatusCode:  resp.StatusCode,
		Body:        strings.TrimSpace(string(body)),
	}
}

// redactURL drops the request URL from transport errors for endpoints whose
// URL is itself a credential.
func redactURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s request failed: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
