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

package download

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver delivers a fixed body one byte at a time, checking between bytes for ctx
// cancellation (Aborted) and Suspend() (Suspended) so tests can observe in-flight state, and
// returns Finished as soon as the body is exhausted.
type fakeDriver struct {
	body []byte

	mut     sync.Mutex
	written int64

	suspendOnce sync.Once
	suspendCh   chan struct{}

	runs atomic.Int32
}

func newFakeDriver(body string) *fakeDriver {
	return &fakeDriver{body: []byte(body), suspendCh: make(chan struct{})}
}

func (d *fakeDriver) Transport() Transport { return TransportHTTP }

func (d *fakeDriver) BytesWritten() int64 {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.written
}

func (d *fakeDriver) SetNextBlockOffset(n int64) {
	d.mut.Lock()
	defer d.mut.Unlock()
	d.written = n
}

func (d *fakeDriver) Suspend() {
	d.suspendOnce.Do(func() { close(d.suspendCh) })
}

func (d *fakeDriver) Run(ctx context.Context, onBlock NextBlockFunc) Status {
	d.runs.Add(1)
	d.mut.Lock()
	d.suspendOnce = sync.Once{}
	d.suspendCh = make(chan struct{})
	suspendCh := d.suspendCh
	offset := d.written
	d.mut.Unlock()

	for i := offset; i < int64(len(d.body)); i++ {
		select {
		case <-ctx.Done():
			return Aborted()
		case <-suspendCh:
			return Suspended()
		default:
		}
		if err := onBlock(d.body[i:i+1], ""); err != nil {
			return Failed(err)
		}
		d.mut.Lock()
		d.written = i + 1
		d.mut.Unlock()
	}
	return Finished()
}

func TestEngine_DownloadDeliversAllBytesAndFinishes(t *testing.T) {
	RegisterDriver(TransportHTTP, func(cfg Config) (Driver, error) {
		return newFakeDriver("abcdef"), nil
	})

	var received []byte
	done := make(chan Status, 1)
	e := NewEngine(nil)
	_, err := e.Download(Config{
		URL: "http://example.invalid/res",
		OnNextBlock: func(chunk []byte, etag string) error {
			received = append(received, chunk...)
			return nil
		},
		OnFinished: func(s Status) { done <- s },
	})
	require.NoError(t, err)

	select {
	case s := <-done:
		assert.Equal(t, StatusFinished, s.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for download to finish")
	}
	assert.Equal(t, "abcdef", string(received))
}

func TestEngine_AbortInvokesAbortedCallback(t *testing.T) {
	d := newFakeDriver(string(make([]byte, 10000)))
	RegisterDriver(TransportHTTP, func(cfg Config) (Driver, error) { return d, nil })

	done := make(chan Status, 1)
	e := NewEngine(nil)
	handle, err := e.Download(Config{
		URL: "http://example.invalid/big",
		OnNextBlock: func([]byte, string) error {
			time.Sleep(50 * time.Microsecond)
			return nil
		},
		OnFinished: func(s Status) { done <- s },
	})
	require.NoError(t, err)

	require.NoError(t, e.Abort(handle))

	select {
	case s := <-done:
		assert.Equal(t, StatusAborted, s.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for abort callback")
	}
}

func TestEngine_DownloadRejectedWhenTransportOffline(t *testing.T) {
	RegisterDriver(TransportHTTP, func(cfg Config) (Driver, error) { return newFakeDriver("x"), nil })

	offline := onlineFunc(func(Transport) bool { return false })
	e := NewEngine(offline)
	_, err := e.Download(Config{URL: "http://example.invalid/res"})
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestEngine_AbortUnknownHandle(t *testing.T) {
	e := NewEngine(nil)
	assert.ErrorIs(t, e.Abort(999), ErrNotFound)
}

type onlineFunc func(Transport) bool

func (f onlineFunc) Online(t Transport) bool { return f(t) }
