// Package storage abstracts the remote content-addressed drive where backup
// files end up. Two drivers exist: the FluxDrive HTTP API and any
// S3-compatible endpoint.
package storage

import (
	"context"
	"io"
)

// Usage reports remote-side storage consumption.
type Usage struct {
	StorageUsed int64 `json:"storage_used"`
}

// ProgressFunc receives upload progress as a 0..100 percentage.
type ProgressFunc func(percent float64)

// Drive is a content-addressed store: Put returns the content reference
// under which the file can later be fetched or deleted.
type Drive interface {
	// Put uploads the file at path and returns its content address.
	Put(ctx context.Context, path string, progress ProgressFunc) (string, error)

	// Delete removes the file with the given content address.
	Delete(ctx context.Context, hash string) error

	// Fetch streams the stored file back. The second return value is the
	// content type reported by the drive (may be empty).
	Fetch(ctx context.Context, ref string) (io.ReadCloser, string, error)

	// Status returns remote usage counters.
	Status(ctx context.Context) (*Usage, error)
}

// progressReader counts bytes flowing through an io.Reader and reports the
// running percentage of total.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	progress ProgressFunc
}

func newProgressReader(r io.Reader, total int64, progress ProgressFunc) *progressReader {
	return &progressReader{r: r, total: total, progress: progress}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.progress != nil && p.total > 0 {
		pct := float64(p.read) / float64(p.total) * 100
		if pct > 100 {
			pct = 100
		}
		p.progress(pct)
	}
	return n, err
}
