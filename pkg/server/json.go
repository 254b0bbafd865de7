/*
Copyright 2025 The Djl Serving Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"k8s.io/klog/v2"
)

type malformedRequest struct {
	status int
	msg    string
}

func (mr *malformedRequest) Error() string {
	return mr.msg
}

// decodeJSONBody strictly decodes the request body into dst: unknown fields,
// trailing data and oversized bodies are rejected with a client error.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		return &malformedRequest{
			status: http.StatusUnsupportedMediaType,
			msg:    "Content-Type header is not application/json",
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxError *json.SyntaxError
		var unmarshalTypeError *json.UnmarshalTypeError

		switch {
		case errors.As(err, &syntaxError):
			return &malformedRequest{
				status: http.StatusBadRequest,
				msg:    fmt.Sprintf("Request body contains badly-formed JSON (at position %d)", syntaxError.Offset),
			}
		case errors.Is(err, io.ErrUnexpectedEOF):
			return &malformedRequest{
				status: http.StatusBadRequest,
				msg:    "Request body contains badly-formed JSON",
			}
		case errors.As(err, &unmarshalTypeError):
			return &malformedRequest{
				status: http.StatusBadRequest,
				msg: fmt.Sprintf("Request body contains an invalid value for the %q field (at position %d)",
					unmarshalTypeError.Field, unmarshalTypeError.Offset),
			}
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			field := strings.TrimPrefix(err.Error(), "json: unknown field ")
			return &malformedRequest{
				status: http.StatusBadRequest,
				msg:    fmt.Sprintf("Request body contains unknown field %s", field),
			}
		case errors.Is(err, io.EOF):
			return &malformedRequest{
				status: http.StatusBadRequest,
				msg:    "Request body must not be empty",
			}
		case err.Error() == "http: request body too large":
			return &malformedRequest{
				status: http.StatusRequestEntityTooLarge,
				msg:    "Request body must not be larger than 1MB",
			}
		default:
			return err
		}
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return &malformedRequest{
			status: http.StatusBadRequest,
			msg:    "Request body must only contain a single JSON object",
		}
	}
	return nil
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var mr *malformedRequest
	if errors.As(err, &mr) {
		http.Error(w, mr.msg, mr.status)
		return
	}
	klog.Info(err.Error())
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Errorf("encoding response: %v", err)
	}
}
