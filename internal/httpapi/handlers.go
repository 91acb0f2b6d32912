package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"reportbot/internal/storage"
	logx "reportbot/pkg/logx"
)

// notify is the mail-provider push webhook. Ingestion failures answer 502
// so the provider redelivers; escalation failures for individual drafts
// are contained so one poisoned report cannot block the rest of the batch.
func (s *Server) notify(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": true})
		return
	}

	drafts, err := s.ingester.Ingest(c.Request.Context(), body)
	if err != nil {
		s.log.Error("push ingestion failed", logx.Err(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": true})
		return
	}

	for _, draft := range drafts {
		err := s.notifier.Notify(c.Request.Context(), draft)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrDuplicateReport):
			s.log.Debug("duplicate report ignored", logx.String("report", draft.ID))
		default:
			s.log.Error("escalation start failed", logx.String("report", draft.ID), logx.Err(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent", "reports": len(drafts)})
}

// acknowledge is the deep link embedded in SMS and chat notifications:
// opening it marks the report seen and stops the escalation loop.
func (s *Server) acknowledge(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	seenBy := strings.TrimSpace(c.Query("by"))

	if err := s.store.SetReportSeen(c.Request.Context(), id, true, seenBy); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown report"})
			return
		}
		s.log.Error("acknowledge failed", logx.String("report", id), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	r, _, err := s.store.FindReport(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, r)
}

type reportAckRequest struct {
	ID     string `json:"id" binding:"required"`
	Seen   *bool  `json:"seen" binding:"required"`
	SeenBy string `json:"seenBy"`
}

// ackReport is the API-side acknowledgement (the admin UI button); the
// seenBy name is unioned into the acknowledger set.
func (s *Server) ackReport(c *gin.Context) {
	var req reportAckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.store.SetReportSeen(c.Request.Context(), req.ID, *req.Seen, strings.TrimSpace(req.SeenBy))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown report"})
		return
	}
	if err != nil {
		s.log.Error("acknowledge failed", logx.String("report", req.ID), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	r, _, err := s.store.FindReport(c.Request.Context(), req.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) getReport(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	r, ok, err := s.store.FindReport(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown report"})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) listReports(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))

	var tags []string
	if raw := strings.TrimSpace(c.Query("tags")); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	pageData, err := s.store.ListReports(c.Request.Context(), tags, page, limit)
	if err != nil {
		s.log.Error("report listing failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, pageData)
}

// listSettings exposes the public settings as a name→value object.
func (s *Server) listSettings(c *gin.Context) {
	all, err := s.store.ListSettings(c.Request.Context(), true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	out := map[string]json.RawMessage{}
	for _, st := range all {
		out[st.Name] = st.Value
	}
	c.JSON(http.StatusOK, out)
}

// setSettings upserts public settings from a name→value object. Private
// entries (tokens, cursors) cannot be touched from here.
func (s *Server) setSettings(c *gin.Context) {
	var req map[string]json.RawMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for name, value := range req {
		if strings.TrimSpace(name) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "setting name is required"})
			return
		}
		if err := s.store.SetSettingPublic(c.Request.Context(), name, value); err != nil {
			s.log.Error("setting update failed", logx.String("name", name), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listContacts(c *gin.Context) {
	contacts, err := s.store.ListContacts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if contacts == nil {
		contacts = []storage.Contact{}
	}
	c.JSON(http.StatusOK, contacts)
}

type contactRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone" binding:"required"`
}

func (s *Server) createContact(c *gin.Context) {
	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.store.InsertContact(c.Request.Context(), storage.Contact{Name: req.Name, Phone: req.Phone})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusCreated, storage.Contact{ID: id, Name: req.Name, Phone: req.Phone})
}

func (s *Server) updateContact(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contact id"})
		return
	}
	var req contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err = s.store.UpdateContact(c.Request.Context(), storage.Contact{ID: id, Name: req.Name, Phone: req.Phone})
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown contact"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, storage.Contact{ID: id, Name: req.Name, Phone: req.Phone})
}

type deleteContactsRequest struct {
	IDs []int64 `json:"ids" binding:"required"`
}

func (s *Server) deleteContacts(c *gin.Context) {
	var req deleteContactsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.DeleteContacts(c.Request.Context(), req.IDs); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": len(req.IDs)})
}
