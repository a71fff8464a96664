package chunker

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// DefaultChunkSize stays under the 10 MiB attachment cap of a webhook message
const DefaultChunkSize int64 = 9 * 1024 * 1024

var (
	ErrInvalidChunkSize = errors.New("chunker: chunk size must be positive")
	ErrMissingChunk     = errors.New("chunker: missing chunk")
)

// Plan is the fixed split of a file into chunks
type Plan struct {
	FileSize  int64
	ChunkSize int64
	Count     int
}

// NewPlan computes the chunk count for a file of the given size
func NewPlan(fileSize, chunkSize int64) (Plan, error) {
	if chunkSize <= 0 {
		return Plan{}, ErrInvalidChunkSize
	}
	if fileSize < 0 {
		return Plan{}, fmt.Errorf("chunker: negative file size %d", fileSize)
	}
	return Plan{
		FileSize:  fileSize,
		ChunkSize: chunkSize,
		Count:     int((fileSize + chunkSize - 1) / chunkSize),
	}, nil
}

// Span returns the half-open byte range [start, end) of chunk i
func (p Plan) Span(i int) (start, end int64) {
	start = int64(i) * p.ChunkSize
	end = start + p.ChunkSize
	if end > p.FileSize {
		end = p.FileSize
	}
	return start, end
}

// Size returns the byte length of chunk i
func (p Plan) Size(i int) int64 {
	start, end := p.Span(i)
	return end - start
}

// Assignment maps endpoint position to the ordered chunk indices it owns.
// Every index in [0, n) belongs to exactly one endpoint.
type Assignment [][]int

// Assign distributes n chunks over k endpoints round-robin: chunk i goes to i mod k
func Assign(n, k int) Assignment {
	if k <= 0 {
		return nil
	}
	a := make(Assignment, k)
	for i := 0; i < n; i++ {
		a[i%k] = append(a[i%k], i)
	}
	return a
}

// Owner returns the endpoint position that owns chunk i
func (a Assignment) Owner(i int) int {
	return i % len(a)
}

// ChunkFileName builds the attachment name for one part of a file. The token
// keeps retries and identically named files apart.
func ChunkFileName(name string, index, total int, token string) string {
	ext := path.Ext(name)
	if ext == "" || ext == name {
		return fmt.Sprintf("%s_part%dof%d_%s", name, index+1, total, token)
	}
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_part%dof%d_%s%s", base, index+1, total, token, ext)
}

// Reassemble concatenates chunk slots in index order. A nil slot means the
// chunk never arrived and the whole merge is refused.
func Reassemble(slots [][]byte) ([]byte, error) {
	total := 0
	for i, s := range slots {
		if s == nil {
			return nil, fmt.Errorf("%w: index %d", ErrMissingChunk, i)
		}
		total += len(s)
	}

	result := make([]byte, 0, total)
	for _, s := range slots {
		result = append(result, s...)
	}
	return result, nil
}
