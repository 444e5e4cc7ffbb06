package gamaliel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/gamaliel-ai/gamaliel-go/pkg/api"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4096

// mapHTTPError converts a non-2xx response into an *api.AuthError for 401
// and 403, and an *api.APIError otherwise. It reads at most maxErrorBody
// bytes of the body.
func mapHTTPError(resp *http.Response) error {
	raw := readErrorBody(resp.Body)
	body := parseErrorBody(raw)

	message := ""
	if body != nil {
		message = body.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		if message == "" {
			message = "invalid or missing API key"
		}
		return &api.AuthError{StatusCode: resp.StatusCode, Message: message, Body: raw}
	}

	if message == "" {
		switch {
		case resp.StatusCode == http.StatusBadRequest:
			message = "invalid request"
		case resp.StatusCode == http.StatusNotFound:
			message = "resource not found"
		case resp.StatusCode == http.StatusTooManyRequests:
			message = "rate limit exceeded"
		case resp.StatusCode >= http.StatusInternalServerError:
			message = fmt.Sprintf("server error (HTTP %d)", resp.StatusCode)
		default:
			message = fmt.Sprintf("unexpected status (HTTP %d)", resp.StatusCode)
		}
	}

	ae := newAPIError(resp.StatusCode, body, raw)
	ae.Message = message
	return ae
}

// checkEventStream rejects a 2xx streaming response whose media type is not
// text/event-stream, such as a gateway error envelope or a full completion
// from a server that ignored stream=true. In that case the body is read and
// closed and an *api.APIError is returned.
func checkEventStream(resp *http.Response) error {
	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType == "text/event-stream" {
		return nil
	}
	defer resp.Body.Close()

	raw := readErrorBody(resp.Body)
	ae := newAPIError(resp.StatusCode, parseErrorBody(raw), raw)
	if ae.Message == "" {
		ae.Message = fmt.Sprintf("unexpected content type %q for a streaming response", contentType)
	}
	return ae
}

// newAPIError builds an *api.APIError from a parsed error body, which may be
// nil.
func newAPIError(status int, body *api.ErrorBody, raw string) *api.APIError {
	ae := &api.APIError{StatusCode: status, Body: raw}
	if body != nil {
		ae.Type = body.Type
		ae.Code = body.CodeString()
		ae.Param = body.Param
		ae.Message = body.Message
	}
	return ae
}

// mapNetworkError converts an error from http.Client.Do into an
// *api.TransportError. The *url.Error wrapper is dropped since
// TransportError already names the operation and URL.
func mapNetworkError(method, rawURL string, err error) *api.TransportError {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	return &api.TransportError{Op: method, URL: rawURL, Err: err}
}

func readErrorBody(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil && len(data) == 0 {
		return ""
	}
	return string(data)
}

// parseErrorBody extracts an OpenAI-style {"error":{...}} object. Gateways
// in front of the API sometimes answer with {"detail":"..."} or a bare
// {"message":"..."}; those are accepted too.
func parseErrorBody(raw string) *api.ErrorBody {
	if raw == "" {
		return nil
	}

	var er api.ErrorResponse
	if err := json.Unmarshal([]byte(raw), &er); err == nil && er.Error != nil && er.Error.Message != "" {
		return er.Error
	}

	var alt struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &alt); err != nil {
		return nil
	}
	if s, ok := alt.Detail.(string); ok && s != "" {
		return &api.ErrorBody{Message: s}
	}
	if alt.Message != "" {
		return &api.ErrorBody{Message: alt.Message}
	}
	return nil
}
