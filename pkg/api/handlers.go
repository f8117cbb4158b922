package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/uniassist/gateway/pkg/database"
	"github.com/uniassist/gateway/pkg/models"
	"github.com/uniassist/gateway/pkg/routing"
)

// maxBodySize bounds request bodies on the write endpoints.
const maxBodySize = 1 << 20

// ingestHandler handles POST /v0/ingest. External sources must carry a
// valid HMAC envelope; the raw body bytes are verified before decoding.
func (s *Server) ingestHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		s.metrics.IngestRejected.Inc()
		return respondError(c, http.StatusBadRequest, codeInvalidRequest, "failed to read request body")
	}

	input, err := models.ValidateInput(body)
	if err != nil {
		s.metrics.IngestRejected.Inc()
		return respondError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
	}

	if !models.InternalSource(input.Source) {
		h := c.Request().Header
		ok := s.gate.verify(h.Get(headerSignature), h.Get(headerTimestamp), h.Get(headerNonce), body, time.Now())
		if !ok {
			s.metrics.IngestRejected.Inc()
			s.metrics.SignatureRejections.Inc()
			return respondError(c, http.StatusUnauthorized, codeInvalidSignature, "invalid or replayed signature envelope")
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.IngestBudget)
	defer cancel()

	ack, err := s.pipeline.Ingest(ctx, input)
	if err != nil {
		return mapPipelineError(c, err)
	}
	return c.JSON(http.StatusOK, ack)
}

// interactHandler handles POST /v0/interact.
func (s *Server) interactHandler(c *echo.Context) error {
	var interaction models.UserInteraction
	if err := json.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize)).Decode(&interaction); err != nil {
		return respondError(c, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
	}
	if interaction.SessionID == "" || interaction.ActionID == "" {
		return respondError(c, http.StatusBadRequest, codeInvalidRequest, "sessionId and actionId are required")
	}
	if interaction.TimestampMs == 0 {
		interaction.TimestampMs = models.NowMs()
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.IngestBudget)
	defer cancel()

	ack, err := s.pipeline.Interact(ctx, &interaction)
	if err != nil {
		return mapPipelineError(c, err)
	}
	return c.JSON(http.StatusOK, ack)
}

// eventsHandler handles POST /v0/events: a bulk push of provider events
// with per-item acceptance.
func (s *Server) eventsHandler(c *echo.Context) error {
	var items []models.ProviderEventItem
	if err := json.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize)).Decode(&items); err != nil {
		return respondError(c, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
	}
	if len(items) == 0 {
		return respondError(c, http.StatusBadRequest, codeInvalidRequest, "at least one event is required")
	}

	results := s.pipeline.PushProviderEvents(c.Request().Context(), items)
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

// timelineHandler handles GET /v0/timeline?sessionId=&cursor=.
func (s *Server) timelineHandler(c *echo.Context) error {
	sessionID := c.QueryParam("sessionId")
	if sessionID == "" {
		return respondError(c, http.StatusBadRequest, codeInvalidRequest, "sessionId is required")
	}
	cursor, err := parseCursor(c.QueryParam("cursor"))
	if err != nil {
		return respondError(c, http.StatusBadRequest, codeInvalidRequest, "cursor must be a non-negative integer")
	}

	page, err := s.pipeline.Timeline(c.Request().Context(), sessionID, cursor, 0)
	if err != nil {
		return mapPipelineError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// streamHandler handles GET /v0/stream?sessionId=&cursor=: cursor replay
// followed by live push over WebSocket.
func (s *Server) streamHandler(c *echo.Context) error {
	sessionID := c.QueryParam("sessionId")
	if sessionID == "" {
		return respondError(c, http.StatusBadRequest, codeInvalidRequest, "sessionId is required")
	}
	cursor, err := parseCursor(c.QueryParam("cursor"))
	if err != nil {
		return respondError(c, http.StatusBadRequest, codeInvalidRequest, "cursor must be a non-negative integer")
	}

	return s.stream.Serve(c.Response(), c.Request(), sessionID, cursor)
}

// contextHandler handles GET /v0/context/users/:profileRef, guarded by the
// provider bearer token and the context:read scope.
func (s *Server) contextHandler(c *echo.Context) error {
	token := bearerToken(c.Request().Header.Get("Authorization"))
	if s.cfg.ProviderContextToken == "" || token != s.cfg.ProviderContextToken {
		return respondError(c, http.StatusUnauthorized, codeInvalidProviderToken, "invalid provider token")
	}
	if !hasScope(c.Request().Header.Get(headerScopes), scopeContextRead) {
		return respondError(c, http.StatusForbidden, codeMissingScope, "context:read scope is required")
	}

	profileRef := c.Param("profileRef")
	if profileRef == "" {
		return respondError(c, http.StatusBadRequest, codeInvalidRequest, "profileRef is required")
	}

	snap, err := s.pipeline.GetContext(c.Request().Context(), profileRef)
	if err != nil {
		return mapPipelineError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// healthHandler reports liveness plus persistence and outbox detail.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := map[string]any{
		"status":  "healthy",
		"durable": s.store.Durable(),
	}

	if s.db != nil {
		dbHealth, err := database.Health(ctx, s.db.DB())
		resp["database"] = dbHealth
		if err != nil {
			resp["status"] = "unhealthy"
			resp["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}

	if stats, err := s.store.OutboxStats(ctx); err == nil {
		resp["outbox"] = stats
	}
	return c.JSON(http.StatusOK, resp)
}

// metricsHandler serves the JSON counter snapshot on /v0/metrics.
func (s *Server) metricsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.metrics.Snapshot())
}

// manifestHandler serves the built-in fallback provider manifest.
func (s *Server) manifestHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"schemaVersion": models.SchemaVersion,
		"providerId":    routing.FallbackProviderID,
		"name":          "UniAssist built-in chat",
		"description":   "Fallback conversational provider serving turns no specialised provider matched.",
		"capabilities":  []string{"invoke", "interact"},
		"endpoints": map[string]any{
			"ingest":   "/v0/ingest",
			"interact": "/v0/interact",
			"stream":   "/v0/stream",
		},
	})
}

func parseCursor(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, strconv.ErrSyntax
	}
	return cursor, nil
}
