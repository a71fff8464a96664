// Package testutils provides fake webhook endpoints and a fake download proxy
// for tests.
package testutils

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
)

var partName = regexp.MustCompile(`_part(\d+)of(\d+)_`)

// GenerateTestData returns size bytes of a deterministic pattern.
func GenerateTestData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i * 7) % 251)
	}
	return data
}

// Interceptor may answer a request itself. n is the 1-based number of the
// request on this server. Returning false lets the default handler run.
type Interceptor func(n int, w http.ResponseWriter, r *http.Request) bool

// Received is one multipart upload seen by a Webhook.
type Received struct {
	FileName string
	Content  string
	Data     []byte
}

// Webhook imitates a messaging webhook that stores attachments.
type Webhook struct {
	Server *httptest.Server
	ID     string

	mu        sync.Mutex
	posts     int
	parts     map[int]Received
	stored    map[string][]byte
	intercept Interceptor
}

// NewWebhook starts a fake webhook. It is closed with the test.
func NewWebhook(t *testing.T, id string) *Webhook {
	t.Helper()

	w := &Webhook{
		ID:     id,
		parts:  make(map[int]Received),
		stored: make(map[string][]byte),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/webhooks/", w.handlePost)
	mux.HandleFunc("/attachments/", w.handleGet)
	w.Server = httptest.NewServer(mux)
	t.Cleanup(w.Server.Close)
	return w
}

// URL is the webhook URL to upload to.
func (w *Webhook) URL() string {
	return fmt.Sprintf("%s/api/webhooks/%s/secret-token", w.Server.URL, w.ID)
}

// Intercept installs a hook that runs before the default handler.
func (w *Webhook) Intercept(i Interceptor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.intercept = i
}

// Posts returns how many upload requests arrived.
func (w *Webhook) Posts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.posts
}

// Parts returns the stored uploads keyed by chunk index.
func (w *Webhook) Parts() map[int]Received {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[int]Received, len(w.parts))
	for k, v := range w.parts {
		out[k] = v
	}
	return out
}

func (w *Webhook) handlePost(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.mu.Lock()
	w.posts++
	n := w.posts
	intercept := w.intercept
	w.mu.Unlock()

	if intercept != nil && intercept(n, rw, r) {
		return
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	m := partName.FindStringSubmatch(header.Filename)
	if m == nil {
		http.Error(rw, "unexpected file name "+header.Filename, http.StatusBadRequest)
		return
	}
	partNo, _ := strconv.Atoi(m[1])

	msgID := fmt.Sprintf("msg-%s-%d", w.ID, n)
	attID := fmt.Sprintf("att-%s-%d", w.ID, n)
	path := fmt.Sprintf("/attachments/%s/%s/%s", msgID, attID, header.Filename)

	w.mu.Lock()
	w.parts[partNo-1] = Received{FileName: header.Filename, Content: r.FormValue("content"), Data: data}
	w.stored[path] = data
	w.mu.Unlock()

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"id": msgID,
		"attachments": []map[string]string{
			{"id": attID, "url": w.Server.URL + path},
		},
	})
}

func (w *Webhook) handleGet(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	data, ok := w.stored[r.URL.Path]
	w.mu.Unlock()
	if !ok {
		http.NotFound(rw, r)
		return
	}
	rw.Header().Set("Content-Type", "application/octet-stream")
	rw.Header().Set("Content-Length", strconv.Itoa(len(data)))
	rw.Write(data)
}

// Proxy imitates the download proxy: GET /download?url=<remote> streams the
// remote content.
type Proxy struct {
	Server *httptest.Server

	mu        sync.Mutex
	requests  int
	intercept Interceptor
}

// NewProxy starts a fake download proxy. It is closed with the test.
func NewProxy(t *testing.T) *Proxy {
	t.Helper()

	p := &Proxy{}
	p.Server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.Server.Close)
	return p
}

// URL is the download endpoint of the proxy.
func (p *Proxy) URL() string {
	return p.Server.URL + "/download"
}

// Intercept installs a hook that runs before the default handler.
func (p *Proxy) Intercept(i Interceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intercept = i
}

// Requests returns how many fetches arrived.
func (p *Proxy) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/download") {
		http.NotFound(w, r)
		return
	}

	p.mu.Lock()
	p.requests++
	n := p.requests
	intercept := p.intercept
	p.mu.Unlock()

	if intercept != nil && intercept(n, w, r) {
		return
	}

	remote := r.URL.Query().Get("url")
	if remote == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, remote, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
