/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package wsnotify

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a request is made without a connection
	ErrNotConnected = errors.New("websocket is not connected")

	// ErrClosed is returned to pending requests when the connection closes
	ErrClosed = errors.New("websocket connection closed")

	// ErrNoEventFilters is returned when subscribing without filters
	ErrNoEventFilters = errors.New("no event filters set")
)

// APIError is a failed request relayed over the websocket.
type APIError struct {
	// StatusCode is the HTTP status carried in the response header.
	StatusCode int

	// ErrorCode is the API error code, e.g. "SUB-406".
	ErrorCode string

	// Message is the API error message.
	Message string

	// RawBody is the response body, preserved for debugging.
	RawBody []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error: %d", e.StatusCode)
	if e.ErrorCode != "" {
		msg += " " + e.ErrorCode
	}
	if e.Message != "" {
		msg += " - " + e.Message
	}
	return msg
}

// newAPIError builds an APIError from a response body of the form
// {"errorCode": "...", "message": "..."} or {"errors": [{...}]}.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, RawBody: body}

	var parsed struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
		Errors    []struct {
			ErrorCode string `json:"errorCode"`
			Message   string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return apiErr
	}
	apiErr.ErrorCode, apiErr.Message = parsed.ErrorCode, parsed.Message
	if apiErr.ErrorCode == "" && len(parsed.Errors) > 0 {
		apiErr.ErrorCode, apiErr.Message = parsed.Errors[0].ErrorCode, parsed.Errors[0].Message
	}
	return apiErr
}

// IsNotFound reports whether err is an APIError with status 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}
