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

// Package server is the HTTP front end over the model manager: model
// management endpoints, the inference endpoint and fleet health.
package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/waicool20/djl/pkg/manager"
	"github.com/waicool20/djl/pkg/utils"
	"github.com/waicool20/djl/pkg/wlm"
)

// Inference payload cap, DJL_MAX_REQUEST_BODY_MB overriding the 32 MiB
// default.
var maxRequestBody = int64(utils.LoadEnvInt("DJL_MAX_REQUEST_BODY_MB", 32)) << 20

type httpServer struct {
	mgr            *manager.ModelManager
	defaultWorkers int

	limiter   RateLimiter
	rateLimit int64
}

// Option configures the HTTP server.
type Option func(*httpServer)

// WithRateLimiter enables per-client rate limiting on the inference
// endpoint, limit requests per limiter window.
func WithRateLimiter(limiter RateLimiter, limit int64) Option {
	return func(s *httpServer) {
		s.limiter = limiter
		s.rateLimit = limit
	}
}

// WithDefaultWorkers sets the worker bounds applied to registrations that
// omit them.
func WithDefaultWorkers(n int) Option {
	return func(s *httpServer) {
		s.defaultWorkers = n
	}
}

// NewHTTPServer builds the management and inference API around the model
// manager.
func NewHTTPServer(addr string, mgr *manager.ModelManager, opts ...Option) *http.Server {
	server := &httpServer{mgr: mgr, defaultWorkers: 1}
	for _, opt := range opts {
		opt(server)
	}

	r := mux.NewRouter()
	r.HandleFunc("/ping", server.ping).Methods("GET")
	r.HandleFunc("/models", server.registerModel).Methods("POST")
	r.HandleFunc("/models", server.listModels).Methods("GET")
	r.HandleFunc("/models/{name}", server.describeModel).Methods("GET")
	r.HandleFunc("/models/{name}", server.updateModel).Methods("PUT")
	r.HandleFunc("/models/{name}", server.unregisterModel).Methods("DELETE")
	r.HandleFunc("/predictions/{name}", server.predict).Methods("POST")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}

type registerModelRequest struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	BatchSize     int    `json:"batchSize"`
	MaxBatchDelay int    `json:"maxBatchDelayMillis"`
	MinWorkers    int    `json:"minWorkers"`
	MaxWorkers    int    `json:"maxWorkers"`
	// Synchronous makes the call wait for the load to finish instead of
	// returning 202 right away.
	Synchronous bool `json:"synchronous"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (s *httpServer) registerModel(w http.ResponseWriter, r *http.Request) {
	var req registerModelRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	if req.BatchSize == 0 {
		req.BatchSize = 1
	}
	if req.MinWorkers == 0 && req.MaxWorkers == 0 {
		req.MinWorkers = s.defaultWorkers
		req.MaxWorkers = s.defaultWorkers
	}

	future, err := s.mgr.RegisterModel(r.Context(), manager.RegisterRequest{
		Name:          req.Name,
		URL:           req.URL,
		BatchSize:     req.BatchSize,
		MaxBatchDelay: time.Duration(req.MaxBatchDelay) * time.Millisecond,
		MinWorkers:    req.MinWorkers,
		MaxWorkers:    req.MaxWorkers,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !req.Synchronous {
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, statusResponse{Status: "Model registration started."})
		return
	}

	select {
	case res := <-future:
		if res.Err != nil {
			writeManagerError(w, res.Err)
			return
		}
		writeJSON(w, statusResponse{
			Status: fmt.Sprintf("Model %s registered.", res.Model.Name()),
		})
	case <-r.Context().Done():
		http.Error(w, "registration cancelled", http.StatusRequestTimeout)
	}
}

func (s *httpServer) listModels(w http.ResponseWriter, _ *http.Request) {
	type modelList struct {
		Models []string `json:"models"`
	}
	writeJSON(w, modelList{Models: s.mgr.ListModels()})
}

func (s *httpServer) describeModel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	status, err := s.mgr.DescribeModel(name)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, status)
}

func (s *httpServer) updateModel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	min, err := intQuery(r, "min_workers")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	max, err := intQuery(r, "max_workers")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.mgr.UpdateModel(name, min, max); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, statusResponse{Status: fmt.Sprintf("Model %s updated.", name)})
}

func (s *httpServer) unregisterModel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if !s.mgr.UnregisterModel(name) {
		http.Error(w, fmt.Sprintf("model not found: %s", name), http.StatusNotFound)
		return
	}
	writeJSON(w, statusResponse{Status: fmt.Sprintf("Model %s unregistered.", name)})
}

func (s *httpServer) predict(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if s.limiter != nil {
		client := r.Header.Get("X-Api-Key")
		if client == "" {
			client = r.RemoteAddr
		}
		count, err := s.limiter.Incr(r.Context(), client, 1)
		if err != nil {
			klog.Warningf("rate limiter unavailable, admitting request: %v", err)
		} else if count > s.rateLimit {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	job := wlm.NewJob(name, payload)
	if err := s.mgr.AddJob(job); err != nil {
		writeManagerError(w, err)
		return
	}

	res, err := job.Await(r.Context())
	if err != nil {
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}
	if res.Err != nil {
		http.Error(w, res.Err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(res.Output)
}

func (s *httpServer) ping(w http.ResponseWriter, r *http.Request) {
	select {
	case status := <-s.mgr.WorkerStatus():
		writeJSON(w, statusResponse{Status: string(status)})
	case <-r.Context().Done():
		http.Error(w, "health scan cancelled", http.StatusRequestTimeout)
	}
}

func intQuery(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, fmt.Errorf("query parameter %s is required", key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("query parameter %s must be an integer", key)
	}
	return v, nil
}

// writeManagerError maps manager error categories onto HTTP statuses.
func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrModelNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, manager.ErrModelAlreadyRegistered):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, manager.ErrInvalidConfiguration):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, manager.ErrQueueFull), errors.Is(err, manager.ErrNoWorkerAvailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, manager.ErrModelLoad):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		klog.Errorf("internal error: %v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
