// Package httpapi is the HTTP surface: the mail push webhook, the report
// and settings API consumed by the admin UI, and the acknowledgement deep
// link embedded in every notification.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"

	"reportbot/internal/storage"
	logx "reportbot/pkg/logx"
)

// Store is the slice of the storage API the handlers need.
type Store interface {
	FindReport(ctx context.Context, id string) (storage.Report, bool, error)
	SetReportSeen(ctx context.Context, id string, seen bool, seenBy string) error
	ListReports(ctx context.Context, tags []string, page, limit int) (storage.ReportPage, error)

	ListSettings(ctx context.Context, onlyPublic bool) ([]storage.Setting, error)
	SetSettingPublic(ctx context.Context, name string, value json.RawMessage) error

	InsertContact(ctx context.Context, c storage.Contact) (int64, error)
	UpdateContact(ctx context.Context, c storage.Contact) error
	DeleteContacts(ctx context.Context, ids []int64) error
	ListContacts(ctx context.Context) ([]storage.Contact, error)
}

var _ Store = (*storage.Store)(nil)

// Ingester turns one mail push body into report drafts.
type Ingester interface {
	Ingest(ctx context.Context, body []byte) ([]storage.Report, error)
}

// Notifier runs the first escalation round for a draft.
type Notifier interface {
	Notify(ctx context.Context, r storage.Report) error
}

type Config struct {
	Address   string
	StaticDir string
	Debug     bool
}

type Server struct {
	cfg      Config
	engine   *gin.Engine
	http     *http.Server
	store    Store
	ingester Ingester
	notifier Notifier
	log      logx.Logger
}

func NewServer(cfg Config, store Store, ingester Ingester, notifier Notifier, log logx.Logger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(requestLogger(log), gin.Recovery())

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		store:    store,
		ingester: ingester,
		notifier: notifier,
		log:      log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	if s.cfg.StaticDir != "" {
		s.engine.Use(static.Serve("/", static.LocalFile(s.cfg.StaticDir, false)))
	}

	s.engine.GET("/notification", s.acknowledge)

	api := s.engine.Group("/api")
	api.POST("/notify", s.notify)
	api.POST("/report", s.ackReport)
	api.GET("/report", s.getReport)
	api.GET("/reports", s.listReports)
	api.GET("/config", s.listSettings)
	api.POST("/config", s.setSettings)
	api.GET("/sms-numbers", s.listContacts)
	api.POST("/sms-numbers", s.createContact)
	api.PUT("/sms-numbers/:id", s.updateContact)
	api.DELETE("/sms-numbers", s.deleteContacts)
}

// Start begins serving in the background. The returned channel yields the
// terminal serve error, if any.
func (s *Server) Start() <-chan error {
	s.http = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("http server listening", logx.String("addr", s.cfg.Address))
	return errCh
}

func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func requestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}
