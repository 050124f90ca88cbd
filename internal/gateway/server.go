package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mobvibe/mobvibe/internal/wire"
	"github.com/mobvibe/mobvibe/pkg/logger"
)

// Server is the HTTP surface of the gateway: REST endpoints mirroring the
// routed RPC operations, plus the two websocket mounts.
type Server struct {
	registry *Registry
	router   *Router
	hub      *Hub
	auth     AuthMode
	sockets  *SocketServer

	allowedOrigins []string
}

// NewServer assembles the REST surface over the already-wired components.
func NewServer(registry *Registry, router *Router, hub *Hub, auth AuthMode, sockets *SocketServer, allowedOrigins []string) *Server {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Server{
		registry:       registry,
		router:         router,
		hub:            hub,
		auth:           auth,
		sockets:        sockets,
		allowedOrigins: allowedOrigins,
	}
}

// Engine builds the gin engine with all routes mounted.
func (s *Server) Engine() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     s.allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))
	router.Use(loggingMiddleware())

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Welcome to Mobvibe Gateway!")
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "pendingCalls": s.router.PendingCount()})
	})

	// Websocket mounts. The CLI socket authenticates in-band with its first
	// frame; the UI socket authenticates during the upgrade request.
	router.GET("/v1/socket/cli", s.sockets.HandleCLI)
	router.GET("/v1/socket/ui", s.sockets.HandleUI)

	v1 := router.Group("/v1")
	v1.Use(s.authMiddleware())
	{
		v1.GET("/sessions", s.listSessions)
		v1.POST("/sessions", s.createSession)
		v1.DELETE("/sessions/:id", s.closeSession)
		v1.POST("/sessions/:id/cancel", s.cancelSession)
		v1.POST("/sessions/:id/mode", s.setSessionMode)
		v1.POST("/sessions/:id/model", s.setSessionModel)
		v1.POST("/sessions/:id/message", s.sendMessage)
		v1.POST("/sessions/:id/permission", s.sendPermissionDecision)
		v1.GET("/sessions/:id/git/status", s.gitStatus)
		v1.GET("/sessions/:id/git/diff", s.gitDiff)
		v1.GET("/sessions/:id/fs", s.listFiles)
		v1.GET("/sessions/:id/fs/file", s.readFile)
		v1.GET("/sessions/:id/events", s.queryEvents)
		v1.POST("/sessions/:id/ack", s.ackEvents)
	}

	return router
}

// authMiddleware resolves the calling user from the Authorization header (or
// cookie for browser clients) and stores it in the request context. In
// auth-disabled mode every request proceeds as the anonymous user.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := ""
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				credential = parts[1]
			}
		}
		if credential == "" {
			credential = c.GetHeader("Cookie")
		}

		userID, werr := s.auth.Authenticate(c.Request.Context(), credential)
		if werr != nil {
			c.JSON(werr.HTTPStatus(), gin.H{"error": werr})
			c.Abort()
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		logger.Infof("[%s] %s - %d (%v)", c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

func queryInt(c *gin.Context, name string) int64 {
	v, _ := strconv.ParseInt(c.Query(name), 10, 64)
	return v
}

func requestUserID(c *gin.Context) string {
	userID, _ := c.Get("userID")
	id, _ := userID.(string)
	return id
}

// authorizeSessionParam checks the :id path parameter against the caller and
// returns the session id, or writes the error response and returns "".
func (s *Server) authorizeSessionParam(c *gin.Context) string {
	sessionID := c.Param("id")
	if sessionID == "" {
		werr := wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false, "session id is required")
		c.JSON(werr.HTTPStatus(), gin.H{"error": werr})
		return ""
	}
	if werr := s.auth.AuthorizeSession(s.registry, sessionID, requestUserID(c)); werr != nil {
		c.JSON(werr.HTTPStatus(), gin.H{"error": werr})
		return ""
	}
	return sessionID
}

// respond writes a routed call's outcome: the raw result on success, the
// structured error body otherwise.
func respond(c *gin.Context, result []byte, err error) {
	if err != nil {
		werr := asWireError(err)
		c.JSON(werr.HTTPStatus(), gin.H{"error": werr})
		return
	}
	if len(result) == 0 {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}

func (s *Server) listSessions(c *gin.Context) {
	if s.auth.Enabled() {
		c.JSON(http.StatusOK, gin.H{"sessions": s.registry.SessionsForUser(requestUserID(c))})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": s.registry.AllSessions()})
}

func (s *Server) createSession(c *gin.Context) {
	var params wire.CreateSessionParams
	if err := c.ShouldBindJSON(&params); err != nil {
		werr := wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false, "invalid request body: %v", err)
		c.JSON(werr.HTTPStatus(), gin.H{"error": werr})
		return
	}
	result, err := s.router.CreateSession(c.Request.Context(), requestUserID(c), params)
	respond(c, result, err)
}

func (s *Server) closeSession(c *gin.Context) {
	sessionID := s.authorizeSessionParam(c)
	if sessionID == "" {
		return
	}
	result, err := s.router.CloseSession(c.Request.Context(), sessionID)
	respond(c, result, err)
}

func (s *Server) cancelSession(c *gin.Context) {
	sessionID := s.authorizeSessionParam(c)
	if sessionID == "" {
		return
	}
	result, err := s.router.CancelSession(c.Request.Context(), sessionID)
	respond(c, result, err)
}

func (s *Server) setSessionMode(c *gin.Context) {
	sessionID := s.authorizeSessionParam(c)
	if sessionID == "" {
		return
	}
	var params wire.SetModeParams
	if err := c.ShouldBindJSON(&params); err != nil {
		werr := wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false, "invalid request body: %v", err)
		c.JSON(werr.HTTPStatus(), gin.H{"error": werr})
		return
	}
	params.SessionID = sessionID
	result, err := s.router.SetSessionMode(c.Request.Context(), params)
	respond(c, result, err)
}

func (s *Server) setSessionModel(c *gin.Context) {
	sessionID := s.authorizeSessionParam(c)
	if sessionID == "" {
		return
	}
	var params wire.SetModelParams
	if err := c.ShouldBindJSON(&params); err != nil {
		werr := wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false, "invalid request body: %v", err)
		c.JSON(werr.HTTPStatus(), gin.H{"error": werr})
		return
	}
	params.SessionID = sessionID
	result, err := s.router.SetSessionModel(c.Request.Context(), params)
	respond(c, result, err)
}

func (s *Server) sendMessage(c *gin.Context) {
	sessionID := s.authorizeSessionParam(c)
	if sessionID == "" {
		return
	}
	var params wire.SendMessageParams
	if err := c.ShouldBindJSON(&params); err != nil {
		werr := wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false, "invalid request body: %v", err)
		c.JSON(werr.HTTPStatus(), gin.H{"error": werr})
		return
	}
	params.SessionID = sessionID
	result, err := s.router.SendMessage(c.Request.Context(), params)
	respond(c, result, err)
}

func (s *Server) sendPermissionDecision(c *gin.Context) {
	sessionID := s.authorizeSessionParam(c)
	if sessionID == "" {
		return
	}
	var params wire.PermissionDecisionParams
	if err := c.ShouldBindJSON(&params); err != nil {
		werr := wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false, "invalid request body: %v", err)
		c.JSON(werr.HTTPStatus(), gin.H{"error": werr})
		return
	}
	params.SessionID = sessionID
	result, err := s.router.SendPermissionDecision(c.Request.Context(), params)
	respond(c, result, err)
}

func (s *Server) gitStatus(c *gin.Context) {
	sessionID := s.authorizeSessionParam(c)
	if sessionID == "" {
		return
	}
	result, err := s.router.GitStatus(c.Request.Context(), sessionID)
	respond(c, result, err)
}

func (s *Server) gitDiff(c *gin.Context) {
	sessionID := s.authorizeSessionParam(c)
	if sessionID == "" {
		return
	}
	result, err := s.router.GitDiff(c.Request.Context(), sessionID)
	respond(c, result, err)
}

func (s *Server) queryEvents(c *gin.Context) {
	sessionID := s.authorizeSessionParam(c)
	if sessionID == "" {
		return
	}
	params := wire.QueryEventsParams{
		SessionID: sessionID,
		Revision:  queryInt(c, "revision"),
		FromSeq:   queryInt(c, "fromSeq"),
		ToSeq:     queryInt(c, "toSeq"),
		Limit:     queryInt(c, "limit"),
	}
	result, err := s.router.QueryEvents(c.Request.Context(), params)
	respond(c, result, err)
}

func (s *Server) ackEvents(c *gin.Context) {
	sessionID := s.authorizeSessionParam(c)
	if sessionID == "" {
		return
	}
	var params wire.AckEventsParams
	if err := c.ShouldBindJSON(&params); err != nil {
		werr := wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false, "invalid request body: %v", err)
		c.JSON(werr.HTTPStatus(), gin.H{"error": werr})
		return
	}
	params.SessionID = sessionID
	result, err := s.router.AckEvents(c.Request.Context(), params)
	respond(c, result, err)
}

func (s *Server) listFiles(c *gin.Context) {
	sessionID := s.authorizeSessionParam(c)
	if sessionID == "" {
		return
	}
	result, err := s.router.ListFiles(c.Request.Context(), wire.FsParams{
		SessionID: sessionID,
		Path:      c.Query("path"),
	})
	respond(c, result, err)
}

func (s *Server) readFile(c *gin.Context) {
	sessionID := s.authorizeSessionParam(c)
	if sessionID == "" {
		return
	}
	path := c.Query("path")
	if path == "" {
		werr := wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false, "path is required")
		c.JSON(werr.HTTPStatus(), gin.H{"error": werr})
		return
	}
	result, err := s.router.ReadFile(c.Request.Context(), wire.FsParams{
		SessionID: sessionID,
		Path:      path,
	})
	respond(c, result, err)
}
