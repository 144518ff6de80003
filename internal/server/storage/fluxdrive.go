package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/driveback/internal/common"
	"github.com/dmitrijs2005/driveback/internal/server/secrets"
)

// Secret keys the FluxDrive driver resolves through the secrets provider.
const (
	SecretKeyZelID  = "zelid"
	SecretKeyAPIKey = "apikey"
	SecretKeyServer = "fluxDriveServer"
)

// FluxDrive talks to a FluxDrive node over its HTTP API using basic auth.
// Credentials and the server address come from the secrets provider, so a
// vault rotation only needs a process restart, not a config change.
type FluxDrive struct {
	provider secrets.Provider
	client   *http.Client
}

func NewFluxDrive(provider secrets.Provider) *FluxDrive {
	return &FluxDrive{
		provider: provider,
		// uploads of multi-GB backups can be slow; no client-level timeout,
		// callers bound the request through ctx
		client: &http.Client{},
	}
}

func (d *FluxDrive) authHeader(ctx context.Context) (string, string, error) {
	zelid, err := d.provider.Get(ctx, SecretKeyZelID)
	if err != nil {
		return "", "", err
	}
	apikey, err := d.provider.Get(ctx, SecretKeyAPIKey)
	if err != nil {
		return "", "", err
	}
	server, err := d.provider.Get(ctx, SecretKeyServer)
	if err != nil {
		return "", "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(zelid + ":" + apikey))
	return server, "Basic " + basic, nil
}

func (d *FluxDrive) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	server, auth, err := d.authHeader(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+server+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)
	return req, nil
}

type putResponse struct {
	Status string `json:"status"`
	Files  []struct {
		Hash string `json:"hash"`
	} `json:"files"`
}

// Put streams the file as a multipart form to /api/v0/put and returns the
// content hash assigned by the drive.
func (d *FluxDrive) Put(ctx context.Context, path string, progress ProgressFunc) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		part, err := form.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, newProgressReader(file, fi.Size(), progress)); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	req, err := d.newRequest(ctx, http.MethodPost, "/api/v0/put", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fluxdrive put: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fluxdrive put: status %d", resp.StatusCode)
	}

	var result putResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("fluxdrive put: decode: %w", err)
	}
	if result.Status != "success" || len(result.Files) == 0 || result.Files[0].Hash == "" {
		return "", fmt.Errorf("fluxdrive put: upload rejected (status %q)", result.Status)
	}
	return result.Files[0].Hash, nil
}

// Delete removes the stored file by content hash via /api/v0/rm.
func (d *FluxDrive) Delete(ctx context.Context, hash string) error {
	req, err := d.newRequest(ctx, http.MethodPost, "/api/v0/rm?arg="+hash, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fluxdrive rm: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fluxdrive rm: status %d", resp.StatusCode)
	}
	return nil
}

// Fetch streams a stored file via /api/v0/cat. The caller owns the returned
// body.
func (d *FluxDrive) Fetch(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	req, err := d.newRequest(ctx, http.MethodPost, "/api/v0/cat?arg="+ref, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fluxdrive cat: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("fluxdrive cat: status %d", resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

type statusResponse struct {
	Status string `json:"status"`
	Result *Usage `json:"result"`
}

// Status returns the drive's usage counters via /api/v0/status.
func (d *FluxDrive) Status(ctx context.Context) (*Usage, error) {
	req, err := d.newRequest(ctx, http.MethodPost, "/api/v0/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fluxdrive status: %v", common.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fluxdrive status: %d", common.ErrUpstreamUnavailable, resp.StatusCode)
	}
	var result statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("fluxdrive status: decode: %w", err)
	}
	if result.Result == nil {
		return &Usage{}, nil
	}
	return result.Result, nil
}
