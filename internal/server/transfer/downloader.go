// Package transfer pulls backup files from the host that produced them into
// the local staging area.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

// ProgressFunc receives download progress in percent.
type ProgressFunc func(pct float64)

// Downloader fetches component backup files over the host's file API.
type Downloader struct {
	apiPath string
	client  *http.Client
}

// NewDownloader builds a downloader rooted at the host file API path, for
// example "/backup/download/". Hosts may answer with redirects to a sibling
// node; the client follows them.
func NewDownloader(apiPath string) *Downloader {
	return &Downloader{
		apiPath: apiPath,
		client: &http.Client{
			// large archives over slow links; the per-request ctx is the
			// real bound, this only catches fully wedged connections
			Timeout: 4 * time.Hour,
		},
	}
}

// Fetch streams filename from host into the local path dst and returns the
// number of bytes received. expected is the size the producer declared; it
// drives the progress callback, not a cutoff.
func (d *Downloader) Fetch(ctx context.Context, host, filename, dst string, expected int64, progress ProgressFunc) (int64, error) {
	url := host + d.apiPath + filename
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: status %d", filename, resp.StatusCode)
	}

	// write to a unique partial file first so an interrupted download never
	// masquerades as a complete one
	part := dst + ".part-" + uuid.NewString()
	out, err := os.Create(part)
	if err != nil {
		return 0, err
	}

	var received int64
	buf := make([]byte, 256*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				os.Remove(part)
				return received, writeErr
			}
			received += int64(n)
			if progress != nil && expected > 0 {
				pct := float64(received) / float64(expected) * 100
				if pct > 100 {
					pct = 100
				}
				progress(pct)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(part)
			return received, fmt.Errorf("download %s: %w", filename, readErr)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(part)
		return received, err
	}
	if err := os.Rename(part, dst); err != nil {
		os.Remove(part)
		return received, err
	}
	return received, nil
}
