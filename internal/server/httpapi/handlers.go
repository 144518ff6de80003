package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrijs2005/driveback/internal/common"
	"github.com/dmitrijs2005/driveback/internal/server/auth"
	"github.com/dmitrijs2005/driveback/internal/server/services"
)

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

type loginPayload struct {
	ZelID       string `json:"zelid"`
	Signature   string `json:"signature"`
	LoginPhrase string `json:"loginPhrase"`
}

type loginResponse struct {
	ZelID string `json:"zelid"`
	Token string `json:"token"`
}

func (a *API) handleVerifyLogin(w http.ResponseWriter, r *http.Request) {
	var payload loginPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, fmt.Errorf("%w: malformed login request", common.ErrorValidation))
		return
	}
	if payload.ZelID == "" || payload.Signature == "" || payload.LoginPhrase == "" {
		writeError(w, fmt.Errorf("%w: zelid, signature and loginPhrase are required", common.ErrorValidation))
		return
	}

	ok, err := a.verifier.VerifyLogin(r.Context(), payload.ZelID, payload.Signature, payload.LoginPhrase)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, common.ErrorUnauthorized)
		return
	}

	token, err := auth.GenerateToken(payload.ZelID, a.secretKey, a.sessionValidity)
	if err != nil {
		a.log.Error(r.Context(), "issuing session token", "error", err)
		writeError(w, common.ErrorInternal)
		return
	}
	writeData(w, loginResponse{ZelID: payload.ZelID, Token: token})
}

type registerPayload struct {
	AppName   string `json:"appname"`
	Component string `json:"component"`
	Filename  string `json:"filename"`
	Host      string `json:"host"`
	Timestamp int64  `json:"timestamp"`
	Filesize  int64  `json:"filesize"`
}

// fillFromQuery lets callers pass parameters as query values instead of a
// JSON body; body values win.
func (p *registerPayload) fillFromQuery(r *http.Request) {
	q := r.URL.Query()
	if p.AppName == "" {
		p.AppName = q.Get("appname")
	}
	if p.Component == "" {
		p.Component = q.Get("component")
	}
	if p.Filename == "" {
		p.Filename = q.Get("filename")
	}
	if p.Host == "" {
		p.Host = q.Get("host")
	}
	if p.Timestamp == 0 {
		p.Timestamp, _ = strconv.ParseInt(q.Get("timestamp"), 10, 64)
	}
	if p.Filesize == 0 {
		p.Filesize, _ = strconv.ParseInt(q.Get("filesize"), 10, 64)
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload registerPayload
	if r.Body != nil {
		// a missing body is fine, query parameters cover it
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	payload.fillFromQuery(r)

	result, err := a.backups.Register(r.Context(), services.RegisterRequest{
		Owner:      ownerFromContext(r.Context()),
		Credential: credentialFromContext(r.Context()),
		AppName:    payload.AppName,
		Component:  payload.Component,
		Filename:   payload.Filename,
		Host:       payload.Host,
		Timestamp:  payload.Timestamp,
		Filesize:   payload.Filesize,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, result)
}

type backupListResponse struct {
	Status      string                `json:"status"`
	Checkpoints []services.Checkpoint `json:"checkpoints"`
}

func (a *API) handleGetBackupList(w http.ResponseWriter, r *http.Request) {
	appname := r.URL.Query().Get("appname")

	checkpoints, err := a.backups.GetBackupList(r.Context(), ownerFromContext(r.Context()), appname)
	if err != nil {
		writeError(w, err)
		return
	}
	if checkpoints == nil {
		checkpoints = []services.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, backupListResponse{Status: "success", Checkpoints: checkpoints})
}

func (a *API) handleGetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, _ := strconv.ParseInt(r.URL.Query().Get("taskId"), 10, 64)

	info, err := a.backups.GetTaskStatus(r.Context(), ownerFromContext(r.Context()), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, info)
}

type removeCheckpointPayload struct {
	AppName   string `json:"appname"`
	Timestamp int64  `json:"timestamp"`
}

type removedFilesResponse struct {
	RemovedFiles []services.RemovedFile `json:"removedFiles"`
}

func (a *API) handleRemoveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var payload removeCheckpointPayload
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	q := r.URL.Query()
	if payload.AppName == "" {
		payload.AppName = q.Get("appname")
	}
	if payload.Timestamp == 0 {
		payload.Timestamp, _ = strconv.ParseInt(q.Get("timestamp"), 10, 64)
	}

	removed, err := a.backups.RemoveCheckpoint(r.Context(), ownerFromContext(r.Context()), payload.AppName, payload.Timestamp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, removedFilesResponse{RemovedFiles: removed})
}

func (a *API) handleGetFile(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if ref == "" {
		writeError(w, fmt.Errorf("%w: file reference not provided", common.ErrorValidation))
		return
	}

	body, contentType, err := a.files.Fetch(r.Context(), ref)
	if err != nil {
		a.log.Error(r.Context(), "fetching stored file", "ref", ref, "error", err)
		writeError(w, err)
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = "application/x-tar"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+ref)
	_, _ = io.Copy(w, body)
}

func (a *API) handleGetStats(w http.ResponseWriter, r *http.Request) {
	usage, err := a.backups.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, usage)
}
