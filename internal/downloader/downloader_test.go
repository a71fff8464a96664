package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/hookdrive/internal/protocol"
	"github.com/maneesh/hookdrive/internal/testutils"
)

// chunkStore serves /c/<index> from an in-memory split of data.
type chunkStore struct {
	srv    *httptest.Server
	chunks [][]byte
	before func(idx int, w http.ResponseWriter, r *http.Request) bool
}

func newChunkStore(t *testing.T, data []byte, chunkSize int) *chunkStore {
	t.Helper()

	s := &chunkStore{}
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		s.chunks = append(s.chunks, data[off:end])
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/c/"))
		if err != nil || idx < 0 || idx >= len(s.chunks) {
			http.NotFound(w, r)
			return
		}
		if s.before != nil && s.before(idx, w, r) {
			return
		}
		w.Write(s.chunks[idx])
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *chunkStore) request(fileID string) protocol.DownloadRequest {
	req := protocol.DownloadRequest{FileID: fileID, FileName: "f.bin", FileType: "application/octet-stream"}
	for i, c := range s.chunks {
		req.Chunks = append(req.Chunks, protocol.ChunkRef{
			ChunkIndex: i,
			URL:        fmt.Sprintf("%s/c/%d", s.srv.URL, i),
			Size:       int64(len(c)),
		})
	}
	return req
}

func testDownloader(proxy string) *Downloader {
	return New(Options{
		ProxyURL:         proxy,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    5 * time.Millisecond,
		ProgressInterval: time.Millisecond,
	})
}

func collect(t *testing.T, tr *Transfer) []protocol.Event {
	t.Helper()

	var evs []protocol.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-tr.Events():
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		case <-timeout:
			t.Fatal("transfer did not finish")
		}
	}
}

func terminal(evs []protocol.Event) (*protocol.DownloadComplete, *protocol.Error) {
	var done *protocol.DownloadComplete
	var fail *protocol.Error
	for _, ev := range evs {
		switch v := ev.(type) {
		case protocol.DownloadComplete:
			done = &v
		case protocol.Error:
			fail = &v
		}
	}
	return done, fail
}

func TestDownload_MergesInIndexOrder(t *testing.T) {
	data := testutils.GenerateTestData(10 * 1024)
	store := newChunkStore(t, data, 3*1024)
	// the first chunk finishes last
	store.before = func(idx int, _ http.ResponseWriter, _ *http.Request) bool {
		if idx == 0 {
			time.Sleep(100 * time.Millisecond)
		}
		return false
	}
	proxy := testutils.NewProxy(t)

	tr, err := testDownloader(proxy.URL()).Start(context.Background(), store.request("f1"))
	require.NoError(t, err)

	evs := collect(t, tr)
	require.NoError(t, tr.Err())

	done, fail := terminal(evs)
	require.Nil(t, fail)
	require.NotNil(t, done)
	assert.Equal(t, data, done.Blob.Data)
	assert.Equal(t, "application/octet-stream", done.Blob.Type)
	assert.Equal(t, int64(len(data)), done.FileSize)
	assert.Equal(t, 4, proxy.Requests(), "every chunk goes through the proxy")

	var last protocol.DownloadProgress
	for _, ev := range evs {
		if p, ok := ev.(protocol.DownloadProgress); ok {
			last = p
		}
	}
	assert.Equal(t, 4, last.CurrentChunk)
	assert.Equal(t, int64(len(data)), last.DownloadedBytes)
	assert.Equal(t, 100.0, last.OverallProgress)
}

func TestDownload_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	data := testutils.GenerateTestData(8 * 256)
	store := newChunkStore(t, data, 256)
	store.before = func(int, http.ResponseWriter, *http.Request) bool {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return false
	}
	proxy := testutils.NewProxy(t)

	tr, err := testDownloader(proxy.URL()).Start(context.Background(), store.request("f"))
	require.NoError(t, err)
	collect(t, tr)
	require.NoError(t, tr.Err())

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.GreaterOrEqual(t, peak.Load(), int32(2))
}

func TestDownload_PermanentFailureNamesChunk(t *testing.T) {
	data := testutils.GenerateTestData(3 * 100)
	store := newChunkStore(t, data, 100)
	var hits atomic.Int32
	store.before = func(idx int, w http.ResponseWriter, r *http.Request) bool {
		if idx != 2 {
			return false
		}
		hits.Add(1)
		http.NotFound(w, r)
		return true
	}
	proxy := testutils.NewProxy(t)

	tr, err := testDownloader(proxy.URL()).Start(context.Background(), store.request("f"))
	require.NoError(t, err)

	evs := collect(t, tr)
	done, fail := terminal(evs)
	assert.Nil(t, done, "no partial file may be delivered")
	require.NotNil(t, fail)
	require.NotNil(t, fail.ChunkIndex)
	assert.Equal(t, 2, *fail.ChunkIndex)
	assert.Contains(t, fail.Message, "HTTP error 404")
	assert.Equal(t, int32(1), hits.Load())

	var ce *ChunkError
	require.ErrorAs(t, tr.Err(), &ce)
	assert.Equal(t, 2, ce.Index)
}

func TestDownload_RetriesTransientFailure(t *testing.T) {
	data := testutils.GenerateTestData(2 * 100)
	store := newChunkStore(t, data, 100)
	proxy := testutils.NewProxy(t)
	proxy.Intercept(func(n int, w http.ResponseWriter, _ *http.Request) bool {
		if n == 1 {
			http.Error(w, "refreshing", http.StatusBadGateway)
			return true
		}
		return false
	})

	tr, err := testDownloader(proxy.URL()).Start(context.Background(), store.request("f"))
	require.NoError(t, err)

	done, fail := terminal(collect(t, tr))
	require.Nil(t, fail)
	require.NotNil(t, done)
	assert.Equal(t, data, done.Blob.Data)
	assert.Equal(t, 3, proxy.Requests())
}

func TestDownload_SizeMismatch(t *testing.T) {
	data := testutils.GenerateTestData(100)
	store := newChunkStore(t, data, 100)
	proxy := testutils.NewProxy(t)

	req := store.request("f")
	req.Chunks[0].Size = 99

	tr, err := testDownloader(proxy.URL()).Start(context.Background(), req)
	require.NoError(t, err)

	done, fail := terminal(collect(t, tr))
	assert.Nil(t, done)
	require.NotNil(t, fail)
	assert.ErrorIs(t, tr.Err(), ErrSizeMismatch)
	assert.Equal(t, 1, proxy.Requests(), "integrity failures are not retried")
}

func TestDownload_Cancel(t *testing.T) {
	data := testutils.GenerateTestData(4 * 100)
	store := newChunkStore(t, data, 100)
	started := make(chan struct{}, 4)
	store.before = func(_ int, _ http.ResponseWriter, r *http.Request) bool {
		started <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		return true
	}
	proxy := testutils.NewProxy(t)

	tr, err := testDownloader(proxy.URL()).Start(context.Background(), store.request("f"))
	require.NoError(t, err)

	go func() {
		<-started
		tr.Cancel()
	}()

	done, fail := terminal(collect(t, tr))
	assert.Nil(t, done)
	assert.Nil(t, fail)
	assert.ErrorIs(t, tr.Err(), context.Canceled)
}

func TestDownload_Empty(t *testing.T) {
	tr, err := testDownloader("http://127.0.0.1:1/download").Start(context.Background(),
		protocol.DownloadRequest{FileID: "f", FileName: "e.txt", FileType: "text/plain"})
	require.NoError(t, err)

	done, fail := terminal(collect(t, tr))
	require.Nil(t, fail)
	require.NotNil(t, done)
	assert.Empty(t, done.Blob.Data)
}

func TestStart_Invalid(t *testing.T) {
	_, err := New(Options{}).Start(context.Background(), protocol.DownloadRequest{FileID: "f"})
	assert.ErrorIs(t, err, ErrNoProxy)

	_, err = testDownloader("http://proxy/download").Start(context.Background(), protocol.DownloadRequest{
		FileID: "f",
		Chunks: []protocol.ChunkRef{{ChunkIndex: 1, URL: "u"}},
	})
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)
}

func TestProxied(t *testing.T) {
	assert.Equal(t,
		"http://localhost:3000/api/download?url=https%3A%2F%2Fcdn.example%2Fa%3Fex%3D1%26is%3D2",
		proxied("http://localhost:3000/api/download", "https://cdn.example/a?ex=1&is=2"))
	assert.Equal(t,
		"http://p/dl?key=k&url=https%3A%2F%2Fcdn%2Fb",
		proxied("http://p/dl?key=k", "https://cdn/b"))
}
