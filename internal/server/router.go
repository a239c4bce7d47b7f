package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/checkpoints"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/recovery"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/replay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	documentIDParam          = "id"
	defaultHeartbeatInterval = 25 * time.Second
	stepForward              = "forward"
	stepBackward             = "backward"
)

var errMissingDocumentManager = errors.New("document manager dependency required")

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Documents         *documents.Manager[canvas.State]
	Metrics           http.Handler
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router serving document sessions.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Documents == nil {
		return nil, errMissingDocumentManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		documents:         deps.Documents,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	router.POST("/documents", handler.handleCreateDocument)
	document := router.Group("/documents/:" + documentIDParam)
	document.GET("", handler.handleGetDocument)
	document.DELETE("", handler.handleDeleteDocument)
	document.POST("/open", handler.handleOpenDocument)
	document.POST("/close", handler.handleCloseDocument)
	document.POST("/events", handler.handleRecordEvent)
	document.GET("/state", handler.handleState)
	document.POST("/seek", handler.handleSeek)
	document.POST("/step", handler.handleStep)
	document.POST("/checkpoints", handler.handleWarmCheckpoints)
	document.GET("/metrics", handler.handleMetrics)
	document.GET("/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	documents         *documents.Manager[canvas.State]
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

type createDocumentPayload struct {
	Title string `json:"title"`
}

type documentPayload struct {
	DocumentID    string `json:"documentId"`
	Title         string `json:"title"`
	FormatVersion int    `json:"formatVersion"`
	CreatedAtMs   int64  `json:"createdAt"`
	ModifiedAtMs  int64  `json:"modifiedAt"`
}

type openResponsePayload struct {
	Report recovery.Report[canvas.State] `json:"report"`
	State  canvas.State                  `json:"state"`
}

type recordEventPayload struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	TimestampMs int64           `json:"timestampMs"`
	UserID      string          `json:"userId"`
}

type recordResponsePayload struct {
	Sequence         uint64       `json:"sequence"`
	SnapshotQueued   bool         `json:"snapshotQueued"`
	CadenceMode      string       `json:"cadenceMode"`
	SnapshotInterval uint64       `json:"snapshotInterval"`
	EventsPerSecond  float64      `json:"eventsPerSecond"`
	State            canvas.State `json:"state"`
}

type stateResponsePayload struct {
	Sequence         uint64       `json:"sequence"`
	Empty            bool         `json:"empty"`
	SnapshotSequence *uint64      `json:"snapshotSequence,omitempty"`
	EventsReplayed   int          `json:"eventsReplayed"`
	Warnings         []string     `json:"warnings"`
	State            canvas.State `json:"state"`
}

type seekRequestPayload struct {
	Sequence *int64 `json:"sequence"`
}

type stepRequestPayload struct {
	Direction string `json:"direction"`
}

type seekResponsePayload struct {
	checkpoints.SeekResult[canvas.State]
	State canvas.State `json:"state"`
}

type metricsResponsePayload struct {
	Seek   checkpoints.SeekMetrics `json:"seek"`
	Status documents.Status        `json:"status"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request createDocumentPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	info, err := h.documents.Create(c.Request.Context(), request.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newDocumentPayload(info))
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	info, err := h.documents.Get(c.Request.Context(), documentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentPayload(info))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	if err := h.documents.Delete(c.Request.Context(), documentID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleOpenDocument(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	session, report, err := h.documents.Open(c.Request.Context(), documentID)
	if err != nil {
		if report.Outcome == recovery.OutcomeFailed && !errors.Is(err, eventlog.ErrDocumentNotFound) {
			h.logger.Error("document open failed", zap.String("document_id", documentID.String()), zap.Error(err))
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":  "open_failed",
				"code":   failure.CodeOf(err),
				"report": report,
			})
			return
		}
		h.writeError(c, err)
		return
	}
	state, _, _ := session.State()
	c.JSON(http.StatusOK, openResponsePayload{Report: report, State: state})
}

func (h *httpHandler) handleCloseDocument(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	if err := h.documents.Close(c.Request.Context(), documentID); err != nil && !errors.Is(err, documents.ErrSessionNotOpen) {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRecordEvent(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var request recordEventPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Type) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	recorded, err := session.RecordEvent(c.Request.Context(), eventlog.Draft{
		Type:        request.Type,
		Payload:     request.Payload,
		TimestampMs: request.TimestampMs,
		UserID:      request.UserID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, recordResponsePayload{
		Sequence:         recorded.Event.Sequence,
		SnapshotQueued:   recorded.SnapshotQueued,
		CadenceMode:      string(recorded.Decision.Mode),
		SnapshotInterval: recorded.Decision.EffectiveInterval,
		EventsPerSecond:  recorded.Decision.EventsPerSecond,
		State:            recorded.State,
	})
}

func (h *httpHandler) handleState(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	rawSequence := strings.TrimSpace(c.Query("sequence"))
	if rawSequence == "" {
		state, sequence, hasEvents := session.State()
		c.JSON(http.StatusOK, stateResponsePayload{Sequence: sequence, Empty: !hasEvents, Warnings: []string{}, State: state})
		return
	}
	sequence, err := strconv.ParseUint(rawSequence, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sequence"})
		return
	}
	result, err := session.ReplayFromSnapshot(c.Request.Context(), sequence)
	if err != nil {
		h.writeError(c, err)
		return
	}
	warnings := make([]string, 0, len(result.Warnings))
	for _, warning := range result.Warnings {
		warnings = append(warnings, warning.String())
	}
	c.JSON(http.StatusOK, stateResponsePayload{
		Sequence:         result.Sequence,
		Empty:            result.Empty,
		SnapshotSequence: result.SnapshotSequence,
		EventsReplayed:   result.EventsReplayed,
		Warnings:         warnings,
		State:            result.State,
	})
}

func (h *httpHandler) handleSeek(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var request seekRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Sequence == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := session.Seek(c.Request.Context(), *request.Sequence)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, seekResponsePayload{SeekResult: result, State: result.State})
}

func (h *httpHandler) handleStep(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	var request stepRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var (
		result checkpoints.SeekResult[canvas.State]
		err    error
	)
	switch strings.ToLower(strings.TrimSpace(request.Direction)) {
	case stepForward:
		result, err = session.StepForward(c.Request.Context())
	case stepBackward:
		result, err = session.StepBackward(c.Request.Context())
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_direction"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, seekResponsePayload{SeekResult: result, State: result.State})
}

func (h *httpHandler) handleWarmCheckpoints(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	built, err := session.WarmCheckpoints(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"built": built, "status": session.Status()})
}

func (h *httpHandler) handleMetrics(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, metricsResponsePayload{Seek: session.Metrics(), Status: session.Status()})
}

func (h *httpHandler) documentID(c *gin.Context) (eventlog.DocumentID, bool) {
	documentID, err := eventlog.NewDocumentID(c.Param(documentIDParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID, true
}

// session returns the open session for the request's document, opening it on first use.
func (h *httpHandler) session(c *gin.Context) (*documents.Session[canvas.State], bool) {
	documentID, ok := h.documentID(c)
	if !ok {
		return nil, false
	}
	session, _, err := h.documents.Open(c.Request.Context(), documentID)
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return session, true
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, reason := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": reason, "code": failure.CodeOf(err)})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, eventlog.ErrDocumentNotFound):
		return http.StatusNotFound, "document_not_found"
	case errors.Is(err, eventlog.ErrInvalidDocumentID):
		return http.StatusBadRequest, "invalid_document_id"
	case errors.Is(err, eventlog.ErrInvalidEvent):
		return http.StatusBadRequest, "invalid_event"
	case errors.Is(err, eventlog.ErrSequenceConflict):
		return http.StatusConflict, "sequence_conflict"
	case errors.Is(err, replay.ErrUnknownEventType):
		return http.StatusUnprocessableEntity, "unknown_event_type"
	case errors.Is(err, canvas.ErrInvalidPayload),
		errors.Is(err, canvas.ErrUnknownPath),
		errors.Is(err, canvas.ErrDuplicatePath):
		return http.StatusUnprocessableEntity, "event_rejected"
	case errors.Is(err, checkpoints.ErrEmptyTimeline):
		return http.StatusConflict, "empty_timeline"
	case errors.Is(err, documents.ErrSessionClosed):
		return http.StatusConflict, "session_closed"
	case errors.Is(err, eventlog.ErrEventSequenceGap):
		return http.StatusInternalServerError, "event_log_corrupt"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func newDocumentPayload(info eventlog.DocumentInfo) documentPayload {
	return documentPayload{
		DocumentID:    info.DocumentID.String(),
		Title:         info.Title,
		FormatVersion: info.FormatVersion,
		CreatedAtMs:   info.CreatedAtMs,
		ModifiedAtMs:  info.ModifiedAtMs,
	}
}
