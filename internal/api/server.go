package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"gatecheck/internal/checkin"
	"gatecheck/internal/lifecycle"
	gatews "gatecheck/internal/websocket"
	"gatecheck/pkg/interfaces"
	"gatecheck/pkg/types"
)

var errInvalidDuration = errors.New("timing overrides must be non-negative durations like '10m'")

// Server is the HTTP surface consumed by the CRUD collaborator and the
// UI: session mutation hooks, the check-in endpoint, audit listings,
// manual status controls, and the WebSocket subscribe endpoint. No
// business logic lives here.
type Server struct {
	store     interfaces.EntityStore
	engine    *lifecycle.Engine
	pipeline  *checkin.Pipeline
	wsHandler *gatews.Handler
	hubStats  func() map[string]int
	router    *gin.Engine
}

// NewServer builds the gin engine and routes.
func NewServer(store interfaces.EntityStore, engine *lifecycle.Engine,
	pipeline *checkin.Pipeline, wsHandler *gatews.Handler,
	hubStats func() map[string]int, allowedOrigins []string) *Server {
	RegisterValidations()

	s := &Server{
		store:     store,
		engine:    engine,
		pipeline:  pipeline,
		wsHandler: wsHandler,
		hubStats:  hubStats,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/sessions", s.createSession)
		apiGroup.GET("/sessions", s.listSessions)
		apiGroup.GET("/sessions/:id", s.getSession)
		apiGroup.PUT("/sessions/:id", s.updateSession)
		apiGroup.DELETE("/sessions/:id", s.deleteSession)

		apiGroup.POST("/sessions/:id/open", s.openSession)
		apiGroup.POST("/sessions/:id/close", s.closeSession)
		apiGroup.POST("/sessions/:id/reopen", s.reopenSession)

		apiGroup.GET("/sessions/:id/checkins", s.listCheckins)
		apiGroup.GET("/sessions/:id/attempts", s.listAttempts)
		apiGroup.DELETE("/sessions/:id/checkins/:participantID", s.undoCheckin)

		apiGroup.POST("/checkin", s.checkIn)
		apiGroup.POST("/participants", s.createParticipant)
	}

	router.GET("/ws", func(c *gin.Context) {
		s.wsHandler.HandleConnection(c.Writer, c.Request)
	})
	router.GET("/health", s.healthCheck)

	s.router = router
	return s
}

// Handler exposes the router to the HTTP server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type sessionRequest struct {
	Title          string    `json:"title" binding:"required,max=200"`
	Location       string    `json:"location"`
	StartTime      time.Time `json:"start_time" binding:"required"`
	EndTime        time.Time `json:"end_time" binding:"required"`
	Capacity       int       `json:"capacity" binding:"min=0"`
	OpenLeadTime   string    `json:"open_lead_time"`
	EndGracePeriod string    `json:"end_grace_period"`
	LateThreshold  string    `json:"late_threshold"`
}

func (r *sessionRequest) apply(session *types.Session) error {
	session.Title = r.Title
	session.Location = r.Location
	session.StartTime = r.StartTime
	session.EndTime = r.EndTime
	session.Capacity = r.Capacity

	for _, f := range []struct {
		value string
		dst   *time.Duration
	}{
		{r.OpenLeadTime, &session.OpenLeadTime},
		{r.EndGracePeriod, &session.EndGracePeriod},
		{r.LateThreshold, &session.LateThreshold},
	} {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil || d < 0 {
			return errInvalidDuration
		}
		*f.dst = d
	}
	return types.ValidateSession(session)
}

func (s *Server) createSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now()
	session := &types.Session{
		ID:        uuid.New().String(),
		Status:    types.StatusScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := req.apply(session); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.store.CreateSession(c.Request.Context(), session); err != nil {
		log.Printf("Failed to create session: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	if err := s.engine.OnSessionMutated(c.Request.Context(), session); err != nil {
		log.Printf("Failed to schedule triggers for session %s: %v", session.ID, err)
	}

	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (s *Server) updateSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err == interfaces.ErrSessionNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session"})
		return
	}

	if err := req.apply(session); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.store.UpdateSession(c.Request.Context(), session); err != nil {
		log.Printf("Failed to update session %s: %v", session.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update session"})
		return
	}
	if err := s.engine.OnSessionMutated(c.Request.Context(), session); err != nil {
		log.Printf("Failed to reschedule triggers for session %s: %v", session.ID, err)
	}

	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (s *Server) deleteSession(c *gin.Context) {
	sessionID := c.Param("id")

	err := s.store.DeleteSession(c.Request.Context(), sessionID)
	if err == interfaces.ErrSessionNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		log.Printf("Failed to delete session %s: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
		return
	}
	if err := s.engine.OnSessionDeleted(c.Request.Context(), sessionID); err != nil {
		log.Printf("Failed to cancel triggers for session %s: %v", sessionID, err)
	}

	c.JSON(http.StatusOK, gin.H{"deleted": sessionID})
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err == interfaces.ErrSessionNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s.engine.Summary(c.Request.Context(), session)})
}

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.store.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	summaries := make([]map[string]interface{}, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, s.engine.Summary(c.Request.Context(), session))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": summaries, "count": len(summaries)})
}

func (s *Server) openSession(c *gin.Context) {
	s.manualTransition(c, s.engine.ManualOpen)
}

func (s *Server) closeSession(c *gin.Context) {
	s.manualTransition(c, s.engine.ManualClose)
}

func (s *Server) reopenSession(c *gin.Context) {
	session, err := s.engine.Reopen(c.Request.Context(), c.Param("id"))
	if err == interfaces.ErrSessionNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err == lifecycle.ErrSessionNotClosed {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reopen session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (s *Server) manualTransition(c *gin.Context, fn func(context.Context, string) (*types.Session, error)) {
	session, err := fn(c.Request.Context(), c.Param("id"))
	if err == interfaces.ErrSessionNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transition failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

type checkinRequest struct {
	SessionID  string `json:"session_id" binding:"required"`
	Identifier string `json:"identifier" binding:"required"`
	Method     string `json:"method" binding:"required,checkinmethod"`
}

func (s *Server) checkIn(c *gin.Context) {
	var req checkinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.pipeline.Attempt(c.Request.Context(), req.SessionID, req.Identifier, req.Method)
	if err != nil {
		log.Printf("Check-in pipeline error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "check-in failed"})
		return
	}

	status := http.StatusOK
	if result.Outcome == types.OutcomeDeclined {
		switch result.Reason {
		case types.ReasonUnknownCode:
			status = http.StatusNotFound
		case types.ReasonInternalError:
			status = http.StatusInternalServerError
		default:
			status = http.StatusConflict
		}
	}
	c.JSON(status, gin.H{"result": result})
}

func (s *Server) undoCheckin(c *gin.Context) {
	err := s.pipeline.Undo(c.Request.Context(), c.Param("id"), c.Param("participantID"))
	if err == interfaces.ErrRecordNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "check-in record not found"})
		return
	}
	if err != nil {
		log.Printf("Check-in undo failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to undo check-in"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"undone": true})
}

func (s *Server) listCheckins(c *gin.Context) {
	records, err := s.store.ListCheckInRecords(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list check-ins"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkins": records, "count": len(records)})
}

func (s *Server) listAttempts(c *gin.Context) {
	attempts, err := s.store.ListAttempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list attempts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "count": len(attempts)})
}

type participantRequest struct {
	Name       string `json:"name" binding:"required,max=200"`
	Email      string `json:"email"`
	BadgeCode  string `json:"badge_code" binding:"required,max=100"`
	Registered *bool  `json:"registered"`
}

func (s *Server) createParticipant(c *gin.Context) {
	var req participantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	registered := true
	if req.Registered != nil {
		registered = *req.Registered
	}
	participant := &types.Participant{
		ID:         uuid.New().String(),
		Name:       req.Name,
		Email:      req.Email,
		BadgeCode:  req.BadgeCode,
		Registered: registered,
	}
	if err := s.store.CreateParticipant(c.Request.Context(), participant); err != nil {
		log.Printf("Failed to create participant: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create participant"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"participant": participant})
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}

	health := gin.H{"status": "healthy", "timestamp": time.Now()}
	if s.hubStats != nil {
		health["hub"] = s.hubStats()
	}
	c.JSON(http.StatusOK, health)
}
