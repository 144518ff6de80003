// Package httpapi exposes the backup relay over its JSON HTTP contract.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrijs2005/driveback/internal/logging"
	"github.com/dmitrijs2005/driveback/internal/server/services"
	"github.com/dmitrijs2005/driveback/internal/server/storage"
)

// Backups is the service surface the handlers delegate to.
type Backups interface {
	Register(ctx context.Context, req services.RegisterRequest) (*services.RegisterResult, error)
	GetBackupList(ctx context.Context, owner, appname string) ([]services.Checkpoint, error)
	GetTaskStatus(ctx context.Context, owner string, taskID int64) (*services.TaskStatusInfo, error)
	RemoveCheckpoint(ctx context.Context, owner, appname string, timestamp int64) ([]services.RemovedFile, error)
	Stats(ctx context.Context) (*storage.Usage, error)
}

// LoginVerifier validates a signed login phrase against the identity
// provider.
type LoginVerifier interface {
	VerifyLogin(ctx context.Context, zelid, signature, loginPhrase string) (bool, error)
}

// FileFetcher streams a stored file back by its content reference.
type FileFetcher interface {
	Fetch(ctx context.Context, ref string) (io.ReadCloser, string, error)
}

// API wires the handlers, session middleware and router together.
type API struct {
	backups  Backups
	verifier LoginVerifier
	files    FileFetcher

	secretKey       []byte
	sessionValidity time.Duration
	log             logging.Logger
}

func New(backups Backups, verifier LoginVerifier, files FileFetcher,
	secretKey []byte, sessionValidity time.Duration, log logging.Logger) *API {
	return &API{
		backups:         backups,
		verifier:        verifier,
		files:           files,
		secretKey:       secretKey,
		sessionValidity: sessionValidity,
		log:             log.With("component", "httpapi"),
	}
}

// Router builds the HTTP routing table. The file fetch endpoint is public:
// references are content hashes handed out in authenticated listings.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", a.handleRoot)
	r.Post("/verifylogin", a.handleVerifyLogin)
	r.Get("/getfile/{ref}", a.handleGetFile)

	r.Group(func(r chi.Router) {
		r.Use(a.sessionMiddleware)
		r.Post("/registerbackupfile", a.handleRegister)
		r.Get("/getbackuplist", a.handleGetBackupList)
		r.Get("/gettaskstatus", a.handleGetTaskStatus)
		r.Post("/removecheckpoint", a.handleRemoveCheckpoint)
		r.Get("/getstats", a.handleGetStats)
	})

	return r
}
