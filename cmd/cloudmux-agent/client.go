package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elabx-org/cloudmux/internal/domain"
)

// apiError is a non-2xx response. Kind is the server's error kind, when it
// sent one.
type apiError struct {
	Status int
	Kind   domain.Kind
	AtStep string
	Msg    string
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("cloudmux returned HTTP %d", e.Status)
	if e.Kind != "" {
		msg += " " + string(e.Kind)
	}
	if e.AtStep != "" {
		msg += " after " + e.AtStep
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

// retryable reports whether the request may succeed if sent again.
func (e *apiError) retryable() bool {
	if e.Kind != "" {
		return domain.Retryable(e.Kind)
	}
	return e.Status >= 500
}

var httpClient = &http.Client{Timeout: 10 * time.Minute}

func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, flagURL+path, body)
	if err != nil {
		return nil, err
	}
	if flagToken != "" {
		req.Header.Set("Authorization", "Bearer "+flagToken)
	}
	return req, nil
}

// do sends req and decodes a 2xx JSON body into out.
func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect to cloudmux: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &apiError{Status: resp.StatusCode}
	var body struct {
		Error     string      `json:"error"`
		ErrorKind domain.Kind `json:"error_kind"`
		Failed    *struct {
			AtStep    string      `json:"at_step"`
			ErrorKind domain.Kind `json:"error_kind"`
			Error     string      `json:"error"`
		} `json:"failed"`
	}
	if json.Unmarshal(data, &body) != nil {
		e.Msg = string(data)
		return e
	}
	if body.Failed != nil {
		e.Kind, e.AtStep, e.Msg = body.Failed.ErrorKind, body.Failed.AtStep, body.Failed.Error
		return e
	}
	e.Kind, e.Msg = body.ErrorKind, body.Error
	return e
}
