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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waicool20/djl/pkg/loader"
	"github.com/waicool20/djl/pkg/manager"
	"github.com/waicool20/djl/pkg/wlm"
)

// memoryRateLimiter counts in memory; Incr can be forced to fail to exercise
// the fail-open path.
type memoryRateLimiter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newMemoryRateLimiter() *memoryRateLimiter {
	return &memoryRateLimiter{counts: make(map[string]int64)}
}

func (m *memoryRateLimiter) Incr(_ context.Context, key string, val int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.counts[key] += val
	return m.counts[key], nil
}

func newTestServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	schemes := loader.NewSchemeLoader()
	schemes.Register("echo", loader.NewEchoLoader())
	workload := wlm.NewWorkLoadManager(wlm.NewDeviceAllocator(nil))
	mgr := manager.New(schemes, workload, 10)

	srv := httptest.NewServer(NewHTTPServer("", mgr, opts...).Handler)
	t.Cleanup(func() {
		srv.Close()
		workload.DrainAll(5 * time.Second)
	})
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func registerEcho(t *testing.T, srv *httptest.Server, name string) {
	t.Helper()
	resp := postJSON(t, srv.URL+"/models",
		`{"url": "echo://`+name+`", "batchSize": 2, "maxBatchDelayMillis": 5, "synchronous": true}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPing(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "Healthy", status.Status)
}

func TestRegisterModelEndpoint(t *testing.T) {
	srv := newTestServer(t)

	t.Run("synchronous", func(t *testing.T) {
		registerEcho(t, srv, "resnet")

		resp, err := http.Get(srv.URL + "/models")
		require.NoError(t, err)
		defer resp.Body.Close()
		var list struct {
			Models []string `json:"models"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		assert.Equal(t, []string{"resnet"}, list.Models)
	})

	t.Run("duplicate name conflicts", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/models",
			`{"url": "echo://resnet", "synchronous": true}`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("asynchronous accepts immediately", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/models", `{"url": "echo://bert"}`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("missing url", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/models", `{"name": "nameless"}`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/models", `{"url": "echo://x", "bogus": 1}`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid bounds", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/models",
			`{"url": "echo://y", "minWorkers": 3, "maxWorkers": 1}`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/models",
			`{"url": "s3://bucket/key", "synchronous": true}`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestDescribeModelEndpoint(t *testing.T) {
	srv := newTestServer(t)
	registerEcho(t, srv, "resnet")

	resp, err := http.Get(srv.URL + "/models/resnet")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var status manager.ModelStatus
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "resnet", status.ModelName)
	assert.Equal(t, "echo://resnet", status.ModelURL)
	assert.Equal(t, 2, status.BatchSize)
	assert.Equal(t, "Healthy", status.Status)
	assert.Len(t, status.Workers, 1)

	var raw struct {
		Workers []map[string]any `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(body, &raw))
	require.Len(t, raw.Workers, 1)
	assert.Contains(t, raw.Workers[0], "running")
	assert.Contains(t, raw.Workers[0], "gpu")

	t.Run("unknown model", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/models/nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestUpdateModelEndpoint(t *testing.T) {
	srv := newTestServer(t)
	registerEcho(t, srv, "resnet")

	put := func(path string) *http.Response {
		req, err := http.NewRequest(http.MethodPut, srv.URL+path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := put("/models/resnet?min_workers=2&max_workers=3")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	describe, err := http.Get(srv.URL + "/models/resnet")
	require.NoError(t, err)
	defer describe.Body.Close()
	var status manager.ModelStatus
	require.NoError(t, json.NewDecoder(describe.Body).Decode(&status))
	assert.Equal(t, 2, status.MinWorkers)
	assert.Equal(t, 3, status.MaxWorkers)
	assert.Len(t, status.Workers, 2)

	t.Run("missing query parameter", func(t *testing.T) {
		resp := put("/models/resnet?min_workers=2")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("inverted bounds", func(t *testing.T) {
		resp := put("/models/resnet?min_workers=3&max_workers=1")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown model", func(t *testing.T) {
		resp := put("/models/nope?min_workers=1&max_workers=1")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestUnregisterModelEndpoint(t *testing.T) {
	srv := newTestServer(t)
	registerEcho(t, srv, "resnet")

	del := func() *http.Response {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/models/resnet", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := del()
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = del()
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPredictEndpoint(t *testing.T) {
	srv := newTestServer(t)
	registerEcho(t, srv, "resnet")

	resp, err := http.Post(srv.URL+"/predictions/resnet", "application/octet-stream",
		strings.NewReader("payload"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	t.Run("unknown model", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/predictions/nope", "application/octet-stream", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestPredictRateLimiting(t *testing.T) {
	limiter := newMemoryRateLimiter()
	srv := newTestServer(t, WithRateLimiter(limiter, 2))
	registerEcho(t, srv, "resnet")

	predict := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/predictions/resnet",
			strings.NewReader("x"))
		require.NoError(t, err)
		req.Header.Set("X-Api-Key", "client-a")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	for i := 0; i < 2; i++ {
		resp := predict()
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := predict()
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	t.Run("limiter failure admits the request", func(t *testing.T) {
		limiter.mu.Lock()
		limiter.err = errors.New("redis down")
		limiter.mu.Unlock()

		resp := predict()
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
