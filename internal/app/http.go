package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"huddle/api/internal/identity"
	"huddle/api/internal/reaction"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
	"huddle/api/internal/thread"
)

const callerKey = "caller"

type HTTPServer struct {
	service    *Service
	verifier   *identity.Verifier
	corsOrigin string
	logger     *zap.Logger
	echo       *echo.Echo
	upgrader   websocket.Upgrader
}

// NewHTTPServer wires the routes. A nil verifier runs the API in local-only mode, where
// the caller is whoever the X-User-ID header names.
func NewHTTPServer(service *Service, verifier *identity.Verifier, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HTTPServer{
		service:    service,
		verifier:   verifier,
		corsOrigin: corsOrigin,
		logger:     logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.accessLog)
	if corsOrigin != "" {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: strings.Split(corsOrigin, ","),
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, "X-User-ID", "X-User-Name"},
		}))
	}

	e.GET("/api/health", s.handleHealth)
	e.HEAD("/api/health", s.handleHealth)
	e.GET("/api/ready", s.handleReady)
	e.HEAD("/api/ready", s.handleReady)

	api := e.Group("/api", s.identify)
	api.GET("/tasks/:taskId/comments", s.handleListComments)
	api.POST("/tasks/:taskId/comments", s.handleAddComment)
	api.GET("/tasks/:taskId/threads", s.handleThreads)
	api.DELETE("/comments/:commentId", s.handleDeleteComment)
	api.POST("/comments/:commentId/reactions", s.handleToggleReaction)
	api.DELETE("/reactions/:reactionId", s.handleRemoveReaction)

	api.GET("/notifications", s.handleListNotifications)
	api.POST("/notifications/read-all", s.handleMarkAllRead)
	api.POST("/notifications/:id/read", s.handleMarkRead)
	api.DELETE("/notifications/:id", s.handleDeleteNotification)
	api.DELETE("/notifications", s.handleClearNotifications)

	api.GET("/projects/:projectId/activity", s.handleListActivity)
	api.POST("/projects/:projectId/activity", s.handleLogActivity)
	api.GET("/projects/:projectId/search", s.handleSearch)

	api.GET("/live/tasks/:taskId", s.handleLiveComments)
	api.GET("/live/notifications", s.handleLiveNotifications)
	api.GET("/live/projects/:projectId", s.handleLiveActivity)

	s.echo = e
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.echo
}

func (s *HTTPServer) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Info("http request",
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// identify resolves the caller. With a verifier every request needs a valid bearer
// token; websockets may pass it as the access_token query parameter instead.
func (s *HTTPServer) identify(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.verifier == nil {
			req := c.Request()
			userID := strings.TrimSpace(req.Header.Get("X-User-ID"))
			if userID == "" {
				userID = strings.TrimSpace(c.QueryParam("userId"))
			}
			c.Set(callerKey, Caller{UserID: userID, Name: strings.TrimSpace(req.Header.Get("X-User-Name"))})
			return next(c)
		}

		token := identity.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if token == "" {
			token = strings.TrimSpace(c.QueryParam("access_token"))
		}
		if token == "" {
			return identity.ErrInvalidToken
		}
		id, err := s.verifier.Verify(token)
		if err != nil {
			return err
		}
		c.SetRequest(c.Request().WithContext(identity.WithIdentity(c.Request().Context(), id)))
		return next(c)
	}
}

func callerFrom(c echo.Context) Caller {
	if id, ok := identity.FromContext(c.Request().Context()); ok {
		return Caller{UserID: id.UserID, Name: id.Name, AvatarRef: id.AvatarRef, Authenticated: true}
	}
	who, _ := c.Get(callerKey).(Caller)
	return who
}

func (s *HTTPServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	return c.JSON(statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListComments(c echo.Context) error {
	ctx := c.Request().Context()
	comments, err := s.service.ListComments(ctx, c.Param("taskId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"comments": comments,
		"mentions": s.service.MentionSpans(ctx, comments),
	})
}

func (s *HTTPServer) handleAddComment(c echo.Context) error {
	var body AddCommentInput
	if err := c.Bind(&body); err != nil {
		return validationError("Invalid JSON body", nil)
	}
	body.TaskID = c.Param("taskId")
	if err := c.Validate(&body); err != nil {
		return err
	}
	created, persisted, err := s.service.AddComment(c.Request().Context(), callerFrom(c), body)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if !persisted {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]any{"comment": nullIfEmpty(created.ID, created), "persisted": persisted})
}

func (s *HTTPServer) handleThreads(c echo.Context) error {
	ctx := c.Request().Context()
	view, err := s.service.Threads(ctx, c.Param("taskId"))
	if err != nil {
		return err
	}
	comments := flatten(view)
	return c.JSON(http.StatusOK, map[string]any{
		"threads":   view.Threads,
		"orphans":   view.Orphans,
		"reactions": reactionGroups(comments),
		"mentions":  s.service.MentionSpans(ctx, comments),
	})
}

func flatten(view thread.View) []store.Comment {
	out := make([]store.Comment, 0)
	for _, t := range view.Threads {
		out = append(out, t.Root)
		out = append(out, t.Replies...)
	}
	return append(out, view.Orphans...)
}

// reactionGroups maps every comment id to its grouped reactions.
func reactionGroups(comments []store.Comment) map[string][]reaction.Group {
	out := map[string][]reaction.Group{}
	for _, comment := range comments {
		if len(comment.Reactions) > 0 {
			out[comment.ID] = reaction.GroupByEmoji(comment.Reactions)
		}
	}
	return out
}

func (s *HTTPServer) handleDeleteComment(c echo.Context) error {
	persisted, err := s.service.DeleteComment(c.Request().Context(), callerFrom(c), c.Param("commentId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "persisted": persisted})
}

type toggleReactionBody struct {
	Emoji string `json:"emoji" validate:"required,emoji"`
}

func (s *HTTPServer) handleToggleReaction(c echo.Context) error {
	var body toggleReactionBody
	if err := c.Bind(&body); err != nil {
		return validationError("Invalid JSON body", nil)
	}
	if err := c.Validate(&body); err != nil {
		return err
	}
	result, err := s.service.ToggleReaction(c.Request().Context(), callerFrom(c), c.Param("commentId"), body.Emoji)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *HTTPServer) handleRemoveReaction(c echo.Context) error {
	persisted, err := s.service.RemoveReaction(c.Request().Context(), callerFrom(c), c.Param("reactionId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "persisted": persisted})
}

func (s *HTTPServer) handleListNotifications(c echo.Context) error {
	ctx := c.Request().Context()
	who := callerFrom(c)
	items, err := s.service.ListNotifications(ctx, who)
	if err != nil {
		return err
	}
	unread, err := s.service.UnreadCount(ctx, who)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"notifications": items, "unread": unread})
}

func (s *HTTPServer) handleMarkRead(c echo.Context) error {
	updated, persisted, err := s.service.MarkRead(c.Request().Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"notification": nullIfEmpty(updated.ID, updated), "persisted": persisted})
}

func (s *HTTPServer) handleMarkAllRead(c echo.Context) error {
	changed, persisted, err := s.service.MarkAllRead(c.Request().Context(), callerFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"updated": changed, "persisted": persisted})
}

func (s *HTTPServer) handleDeleteNotification(c echo.Context) error {
	persisted, err := s.service.DeleteNotification(c.Request().Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "persisted": persisted})
}

func (s *HTTPServer) handleClearNotifications(c echo.Context) error {
	removed, persisted, err := s.service.ClearNotifications(c.Request().Context(), callerFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"deleted": removed, "persisted": persisted})
}

func (s *HTTPServer) handleListActivity(c echo.Context) error {
	items, err := s.service.ListActivity(c.Request().Context(), c.Param("projectId"), queryInt(c, "limit"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"activity": items})
}

func (s *HTTPServer) handleLogActivity(c echo.Context) error {
	var body LogActivityInput
	if err := c.Bind(&body); err != nil {
		return validationError("Invalid JSON body", nil)
	}
	if err := c.Validate(&body); err != nil {
		return err
	}
	appended, persisted, err := s.service.LogActivity(c.Request().Context(), callerFrom(c), c.Param("projectId"), body)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if !persisted {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]any{"activity": nullIfEmpty(appended.ID, appended), "persisted": persisted})
}

func (s *HTTPServer) handleSearch(c echo.Context) error {
	response := s.service.SearchComments(c.Request().Context(), search.Query{
		ProjectID: c.Param("projectId"),
		Text:      c.QueryParam("q"),
		Limit:     queryInt(c, "limit"),
	})
	return c.JSON(http.StatusOK, response)
}

func (s *HTTPServer) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Error(err),
		)
	}
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	if writeErr := c.JSON(status, response); writeErr != nil {
		s.logger.Warn("write error response", zap.Error(writeErr))
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg, _ := echoErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(echoErr.Code)
		}
		return echoErr.Code, strings.ToUpper(strings.ReplaceAll(http.StatusText(echoErr.Code), " ", "_")), msg, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, identity.ErrInvalidToken) || errors.Is(err, identity.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

type requestValidator struct {
	validator *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New()
	if err := reaction.RegisterValidation(v); err != nil {
		panic(fmt.Sprintf("register emoji validation: %v", err))
	}
	return &requestValidator{validator: v}
}

func (v *requestValidator) Validate(i any) error {
	if err := v.validator.Struct(i); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return validationError(
				fmt.Sprintf("%s failed on '%s' validation", fe.Field(), fe.Tag()),
				map[string]any{"field": fe.Field()},
			)
		}
		return validationError(err.Error(), nil)
	}
	return nil
}

func queryInt(c echo.Context, name string) int {
	value, err := strconv.Atoi(strings.TrimSpace(c.QueryParam(name)))
	if err != nil {
		return 0
	}
	return value
}

// nullIfEmpty renders a record as null when nothing was stored.
func nullIfEmpty(id string, v any) any {
	if id == "" {
		return nil
	}
	return v
}
