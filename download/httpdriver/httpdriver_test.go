// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpdriver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/lwm2m/download"
)

func TestDriver_FullDownload(t *testing.T) {
	const body = "hello lwm2m download world"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	d, err := New(download.Config{URL: srv.URL})
	require.NoError(t, err)

	var received []byte
	status := d.Run(context.Background(), func(chunk []byte, etag string) error {
		received = append(received, chunk...)
		return nil
	})

	assert.Equal(t, download.StatusFinished, status.Kind)
	assert.Equal(t, body, string(received))
	assert.EqualValues(t, len(body), d.BytesWritten())
}

func TestDriver_PreconditionFailedIsExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	d, err := New(download.Config{URL: srv.URL, ETag: "\"v1\""})
	require.NoError(t, err)

	status := d.Run(context.Background(), func([]byte, string) error { return nil })
	assert.Equal(t, download.StatusExpired, status.Kind)
}

func TestDriver_ServerErrorIsInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, err := New(download.Config{URL: srv.URL})
	require.NoError(t, err)

	status := d.Run(context.Background(), func([]byte, string) error { return nil })
	assert.Equal(t, download.StatusInvalidResponse, status.Kind)
	assert.Equal(t, http.StatusInternalServerError, status.StatusCode)
}

func TestDriver_RangeResume(t *testing.T) {
	const full = "0123456789ABCDEF"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 10-%d/%d", len(full)-1, len(full)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte(full[10:]))
			return
		}
		w.Write([]byte(full))
	}))
	defer srv.Close()

	d, err := New(download.Config{URL: srv.URL, StartOffset: 10})
	require.NoError(t, err)

	var received []byte
	status := d.Run(context.Background(), func(chunk []byte, etag string) error {
		received = append(received, chunk...)
		return nil
	})

	assert.Equal(t, download.StatusFinished, status.Kind)
	assert.Equal(t, full[10:], string(received))
	assert.EqualValues(t, len(full), d.BytesWritten())
}

func TestDriver_ServerForwardGapIsFailed(t *testing.T) {
	const full = "0123456789ABCDEF"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 客户端从 5 续传 但服务端声称数据从 10 开始 中间 [5,10) 这段永远不会被投递
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 10-%d/%d", len(full)-1, len(full)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(full[10:]))
	}))
	defer srv.Close()

	d, err := New(download.Config{URL: srv.URL, StartOffset: 5})
	require.NoError(t, err)

	status := d.Run(context.Background(), func([]byte, string) error { return nil })
	assert.Equal(t, download.StatusFailed, status.Kind)
}

func TestDriver_AbortViaContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		<-block
	}))
	defer srv.Close()
	defer close(block)

	d, err := New(download.Config{URL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	status := d.Run(ctx, func([]byte, string) error { return nil })
	assert.Equal(t, download.StatusAborted, status.Kind)
}
