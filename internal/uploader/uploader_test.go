package uploader

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/hookdrive/internal/protocol"
	"github.com/maneesh/hookdrive/internal/testutils"
)

const kib = 1024

func testUploader() *Uploader {
	return New(Options{
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    5 * time.Millisecond,
		ProgressInterval: time.Millisecond,
	})
}

func testFile(name string, data []byte) *protocol.File {
	return &protocol.File{
		Name:   name,
		Type:   "application/octet-stream",
		Size:   int64(len(data)),
		Reader: bytes.NewReader(data),
	}
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

func ofType[T protocol.Event](evs []protocol.Event) []T {
	var out []T
	for _, ev := range evs {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func indexOf[T protocol.Event](evs []protocol.Event) int {
	for i, ev := range evs {
		if _, ok := ev.(T); ok {
			return i
		}
	}
	return -1
}

func TestUpload_SingleEndpoint(t *testing.T) {
	hook := testutils.NewWebhook(t, "111")
	data := testutils.GenerateTestData(20 * kib)

	tr, err := testUploader().Start(context.Background(), protocol.UploadRequest{
		File:          testFile("report.pdf", data),
		EndpointURLs:  []string{hook.URL()},
		ChunkSize:     9 * kib,
		CorrelationID: "file-1",
	})
	require.NoError(t, err)

	evs := collect(t, tr)
	require.NoError(t, tr.Err())

	urls := ofType[protocol.ChunkURL](evs)
	require.Len(t, urls, 3)
	sizes := map[int]int64{}
	for _, u := range urls {
		assert.Equal(t, "file-1", u.FileID)
		assert.Equal(t, "111", u.EndpointID)
		assert.NotEmpty(t, u.URL)
		assert.NotEmpty(t, u.RemoteMessageID)
		assert.NotEmpty(t, u.RemoteObjectID)
		sizes[u.ChunkIndex] = u.Size
	}
	assert.Equal(t, map[int]int64{0: 9 * kib, 1: 9 * kib, 2: 2 * kib}, sizes)

	require.Len(t, ofType[protocol.FileComplete](evs), 1)
	done := ofType[protocol.UploadComplete](evs)
	require.Len(t, done, 1)
	assert.Equal(t, 3, done[0].TotalChunks)
	assert.Equal(t, 3, done[0].SuccessfulChunks)
	assert.Equal(t, 0, done[0].FailedChunks)
	assert.Equal(t, int64(20*kib), done[0].TotalSize)

	// chunk urls precede file-complete which precedes the summary
	fc := indexOf[protocol.FileComplete](evs)
	uc := indexOf[protocol.UploadComplete](evs)
	assert.Less(t, fc, uc)
	for i, ev := range evs {
		if _, ok := ev.(protocol.ChunkURL); ok {
			assert.Less(t, i, fc)
		}
	}
	assert.Equal(t, len(evs)-1, uc, "summary must be the last event")

	parts := hook.Parts()
	require.Len(t, parts, 3)
	assert.Equal(t, data[:9*kib], parts[0].Data)
	assert.Equal(t, data[9*kib:18*kib], parts[1].Data)
	assert.Equal(t, data[18*kib:], parts[2].Data)
	assert.Contains(t, parts[0].FileName, "report_part1of3_")
	assert.Contains(t, parts[0].Content, "Chunk 1/3")

	progress := ofType[protocol.UploadProgress](evs)
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, 3, last.CompletedChunks)
	assert.Equal(t, int64(20*kib), last.UploadedBytes)
	assert.Equal(t, 100.0, last.OverallProgress)
	for _, c := range last.Chunks {
		assert.Equal(t, protocol.ChunkSuccess, c.Status)
	}
}

func TestUpload_RoundRobin(t *testing.T) {
	hooks := []*testutils.Webhook{
		testutils.NewWebhook(t, "a"),
		testutils.NewWebhook(t, "b"),
		testutils.NewWebhook(t, "c"),
	}
	var urls []string
	for _, h := range hooks {
		urls = append(urls, h.URL())
	}

	data := testutils.GenerateTestData(7 * kib)
	tr, err := testUploader().Start(context.Background(), protocol.UploadRequest{
		File:          testFile("data.bin", data),
		EndpointURLs:  urls,
		ChunkSize:     kib,
		CorrelationID: "rr",
	})
	require.NoError(t, err)

	evs := collect(t, tr)
	require.NoError(t, tr.Err())

	for pos, h := range hooks {
		for idx, p := range h.Parts() {
			assert.Equal(t, pos, idx%3, "chunk %d landed on endpoint %s", idx, h.ID)
			assert.Equal(t, data[idx*kib:(idx+1)*kib], p.Data)
		}
	}
	assert.Equal(t, 3, hooks[0].Posts())
	assert.Equal(t, 2, hooks[1].Posts())
	assert.Equal(t, 2, hooks[2].Posts())

	for _, u := range ofType[protocol.ChunkURL](evs) {
		assert.Equal(t, hooks[u.ChunkIndex%3].ID, u.EndpointID)
	}
}

func TestUpload_EndpointsRunConcurrently(t *testing.T) {
	const n = 3
	var arrived atomic.Int32
	ready := make(chan struct{})
	var failed atomic.Bool

	barrier := func(i int, w http.ResponseWriter, r *http.Request) bool {
		if i != 1 {
			return false
		}
		if arrived.Add(1) == n {
			close(ready)
		}
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			failed.Store(true)
		}
		return false
	}

	var urls []string
	for _, id := range []string{"x", "y", "z"} {
		h := testutils.NewWebhook(t, id)
		h.Intercept(barrier)
		urls = append(urls, h.URL())
	}

	tr, err := testUploader().Start(context.Background(), protocol.UploadRequest{
		File:         testFile("c.bin", testutils.GenerateTestData(6*kib)),
		EndpointURLs: urls,
		ChunkSize:    kib,
	})
	require.NoError(t, err)

	collect(t, tr)
	assert.False(t, failed.Load(), "endpoints were not served in parallel")
}

func TestUpload_RetriesExhausted(t *testing.T) {
	good := testutils.NewWebhook(t, "good")
	bad := testutils.NewWebhook(t, "bad")
	bad.Intercept(func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		http.Error(w, "boom", http.StatusInternalServerError)
		return true
	})

	tr, err := testUploader().Start(context.Background(), protocol.UploadRequest{
		File:          testFile("r.bin", testutils.GenerateTestData(2*kib)),
		EndpointURLs:  []string{good.URL(), bad.URL()},
		ChunkSize:     kib,
		CorrelationID: "f",
	})
	require.NoError(t, err)

	evs := collect(t, tr)
	require.NoError(t, tr.Err())

	assert.Equal(t, 4, bad.Posts(), "one attempt plus three retries")
	assert.Empty(t, ofType[protocol.FileComplete](evs))
	assert.Empty(t, ofType[protocol.Error](evs))

	done := ofType[protocol.UploadComplete](evs)
	require.Len(t, done, 1)
	assert.Equal(t, 1, done[0].SuccessfulChunks)
	assert.Equal(t, 1, done[0].FailedChunks)

	urls := ofType[protocol.ChunkURL](evs)
	require.Len(t, urls, 1)
	assert.Equal(t, 0, urls[0].ChunkIndex)
}

func TestUpload_RetryResetsChunkProgress(t *testing.T) {
	hook := testutils.NewWebhook(t, "flaky")
	hook.Intercept(func(n int, w http.ResponseWriter, r *http.Request) bool {
		if n > 1 {
			return false
		}
		io.Copy(io.Discard, r.Body)
		http.Error(w, "boom", http.StatusBadGateway)
		return true
	})

	tr, err := testUploader().Start(context.Background(), protocol.UploadRequest{
		File:          testFile("p.bin", testutils.GenerateTestData(kib)),
		EndpointURLs:  []string{hook.URL()},
		ChunkSize:     kib,
		CorrelationID: "f",
	})
	require.NoError(t, err)

	evs := collect(t, tr)
	require.NoError(t, tr.Err())
	require.Len(t, ofType[protocol.FileComplete](evs), 1)

	var retrying *protocol.UploadProgress
	for _, p := range ofType[protocol.UploadProgress](evs) {
		if p.Chunks[0].Error != "" {
			retrying = &p
			break
		}
	}
	require.NotNil(t, retrying, "a retry is reported right away")
	assert.Equal(t, int64(0), retrying.UploadedBytes)
	assert.Less(t, retrying.OverallProgress, 99.0)
	assert.Equal(t, protocol.ChunkUploading, retrying.Chunks[0].Status)
}

func TestUpload_PermanentErrorIsNotRetried(t *testing.T) {
	hook := testutils.NewWebhook(t, "p")
	hook.Intercept(func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		http.Error(w, "bad request", http.StatusBadRequest)
		return true
	})

	tr, err := testUploader().Start(context.Background(), protocol.UploadRequest{
		File:         testFile("p.bin", testutils.GenerateTestData(kib)),
		EndpointURLs: []string{hook.URL()},
		ChunkSize:    kib,
	})
	require.NoError(t, err)

	evs := collect(t, tr)
	assert.Equal(t, 1, hook.Posts())

	done := ofType[protocol.UploadComplete](evs)
	require.Len(t, done, 1)
	assert.Equal(t, 1, done[0].FailedChunks)
}

func TestUpload_ThrottledDoesNotConsumeRetries(t *testing.T) {
	hook := testutils.NewWebhook(t, "t")
	hook.Intercept(func(n int, w http.ResponseWriter, _ *http.Request) bool {
		if n > 2 {
			return false
		}
		w.Header().Set("Retry-After", "0.05")
		w.WriteHeader(http.StatusTooManyRequests)
		return true
	})

	up := New(Options{MaxRetries: -1, RetryBaseDelay: time.Millisecond, ProgressInterval: time.Millisecond})
	tr, err := up.Start(context.Background(), protocol.UploadRequest{
		File:         testFile("t.bin", testutils.GenerateTestData(kib)),
		EndpointURLs: []string{hook.URL()},
		ChunkSize:    kib,
	})
	require.NoError(t, err)

	evs := collect(t, tr)
	assert.Equal(t, 3, hook.Posts())

	done := ofType[protocol.UploadComplete](evs)
	require.Len(t, done, 1)
	assert.Equal(t, 1, done[0].SuccessfulChunks)
}

func TestUpload_WaitsForRateLimitReset(t *testing.T) {
	var mu sync.Mutex
	var seen []time.Time

	hook := testutils.NewWebhook(t, "rl")
	hook.Intercept(func(n int, w http.ResponseWriter, _ *http.Request) bool {
		mu.Lock()
		seen = append(seen, time.Now())
		mu.Unlock()
		if n == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset-After", "0.2")
		}
		return false
	})

	tr, err := testUploader().Start(context.Background(), protocol.UploadRequest{
		File:         testFile("rl.bin", testutils.GenerateTestData(2*kib)),
		EndpointURLs: []string{hook.URL()},
		ChunkSize:    kib,
	})
	require.NoError(t, err)
	collect(t, tr)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.GreaterOrEqual(t, seen[1].Sub(seen[0]), 150*time.Millisecond)
}

func TestUpload_Cancel(t *testing.T) {
	started := make(chan struct{}, 1)
	hook := testutils.NewWebhook(t, "c")
	hook.Intercept(func(_ int, w http.ResponseWriter, r *http.Request) bool {
		select {
		case started <- struct{}{}:
		default:
		}
		// the disconnect is only noticed once the body is consumed
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		return true
	})

	tr, err := testUploader().Start(context.Background(), protocol.UploadRequest{
		File:          testFile("c.bin", testutils.GenerateTestData(3*kib)),
		EndpointURLs:  []string{hook.URL()},
		ChunkSize:     kib,
		CorrelationID: "c",
	})
	require.NoError(t, err)

	var evs []protocol.Event
	go func() {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
		}
		tr.Cancel()
	}()
	evs = collect(t, tr)

	assert.ErrorIs(t, tr.Err(), ErrCancelled)
	assert.Empty(t, ofType[protocol.UploadComplete](evs))
	assert.Empty(t, ofType[protocol.FileComplete](evs))
	assert.Empty(t, ofType[protocol.Error](evs))
	assert.Empty(t, ofType[protocol.ChunkURL](evs))
	assert.Equal(t, 1, hook.Posts(), "no chunk may start after cancel")
}

func TestUpload_EmptyFile(t *testing.T) {
	hook := testutils.NewWebhook(t, "e")

	tr, err := testUploader().Start(context.Background(), protocol.UploadRequest{
		File:          testFile("empty.txt", nil),
		EndpointURLs:  []string{hook.URL()},
		CorrelationID: "e",
	})
	require.NoError(t, err)

	evs := collect(t, tr)
	assert.Equal(t, 0, hook.Posts())
	require.Len(t, ofType[protocol.FileComplete](evs), 1)

	done := ofType[protocol.UploadComplete](evs)
	require.Len(t, done, 1)
	assert.Equal(t, 0, done[0].TotalChunks)
}

func TestUpload_WithoutCorrelationID(t *testing.T) {
	hook := testutils.NewWebhook(t, "n")

	tr, err := testUploader().Start(context.Background(), protocol.UploadRequest{
		File:         testFile("n.bin", testutils.GenerateTestData(2*kib)),
		EndpointURLs: []string{hook.URL()},
		ChunkSize:    kib,
	})
	require.NoError(t, err)

	evs := collect(t, tr)
	assert.Empty(t, ofType[protocol.ChunkURL](evs))
	assert.Empty(t, ofType[protocol.FileComplete](evs))

	done := ofType[protocol.UploadComplete](evs)
	require.Len(t, done, 1)
	assert.NotEmpty(t, done[0].FileID)
	assert.Equal(t, 2, done[0].SuccessfulChunks)
}

func TestUpload_CompletesExactlyOnce(t *testing.T) {
	var urls []string
	for _, id := range []string{"1", "2", "3", "4"} {
		urls = append(urls, testutils.NewWebhook(t, id).URL())
	}

	for i := 0; i < 5; i++ {
		tr, err := testUploader().Start(context.Background(), protocol.UploadRequest{
			File:          testFile("s.bin", testutils.GenerateTestData(40*64)),
			EndpointURLs:  urls,
			ChunkSize:     64,
			CorrelationID: "s",
		})
		require.NoError(t, err)

		evs := collect(t, tr)
		assert.Len(t, ofType[protocol.UploadComplete](evs), 1)
		assert.Len(t, ofType[protocol.FileComplete](evs), 1)
		assert.Len(t, ofType[protocol.ChunkURL](evs), 40)
	}
}

func TestStart_InvalidRequest(t *testing.T) {
	up := testUploader()

	_, err := up.Start(context.Background(), protocol.UploadRequest{
		File: testFile("a", []byte("abc")),
	})
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)

	_, err = up.Start(context.Background(), protocol.UploadRequest{
		EndpointURLs: []string{"http://x"},
	})
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)
}

func TestEndpointID(t *testing.T) {
	assert.Equal(t, "123456", EndpointID("https://discord.com/api/webhooks/123456/tok", 0))
	assert.Equal(t, "abc", EndpointID("http://127.0.0.1:4000/api/webhooks/abc/secret?thread_id=1", 2))
	assert.Equal(t, "endpoint-2", EndpointID("https://example.com/hook", 2))
}

func TestStatusError_Permanent(t *testing.T) {
	tests := []struct {
		code      int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusForbidden, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		err := &StatusError{Code: tt.code}
		assert.Equal(t, tt.permanent, err.Permanent(), "status %d", tt.code)
		assert.Equal(t, !tt.permanent, retryable(err), "status %d", tt.code)
	}
	assert.False(t, retryable(context.Canceled))
}
