package gamification

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/classkit/backend-go/internal/v1/store"
	"github.com/classkit/backend-go/internal/v1/wire"
)

// Handler exposes the gamification HTTP surface.
type Handler struct {
	svc *Service
}

// NewHandler builds the HTTP handler around the service.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// RegisterRoutes mounts the authenticated user surface on api and the
// privileged surface on admin. Role gating happens in the router wiring.
func (h *Handler) RegisterRoutes(api, admin *gin.RouterGroup) {
	events := api.Group("/events")
	{
		events.POST("/quiz-completed", h.QuizCompleted)
		events.POST("/result-saved", h.ResultSaved)
		events.POST("/quiz-created", h.QuizCreated)
		events.POST("/live-session-ended", h.LiveSessionEnded)
		events.POST("/social-interaction", h.SocialInteraction)
	}

	api.GET("/stats/:userId", h.GetStats)
	api.GET("/activity/:userId", h.GetActivity)
	api.GET("/leaderboards/:board", h.GetLeaderboard)
	api.GET("/leaderboards/category/:category", h.GetCategoryLeaderboard)
	api.GET("/leaderboards/rank/:userId", h.GetRank)
	api.GET("/leaderboards/surrounding/:userId", h.GetSurrounding)
	api.GET("/achievements", h.ListAchievements)
	api.GET("/achievements/:userId", h.UserAchievements)

	admin.POST("/achievements", h.CreateAchievement)
	admin.PUT("/achievements/:id", h.UpdateAchievement)
	admin.DELETE("/achievements/:id", h.DeleteAchievement)
	admin.POST("/achievements/seed", h.SeedAchievements)
	admin.POST("/stats/sync", h.SyncStats)
	admin.POST("/stats/:userId/sync", h.SyncUserStats)
	admin.POST("/stats/bulk-update", h.BulkUpdateStats)
	admin.POST("/leaderboards/rebuild", h.RebuildLeaderboard)
	admin.POST("/leaderboards/reset/:board", h.ResetLeaderboard)
}

// QuizCompleted ingests a quiz completion event.
func (h *Handler) QuizCompleted(c *gin.Context) {
	var ev QuizCompletedEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid event payload", err))
		return
	}
	st, err := h.svc.HandleQuizCompleted(c.Request.Context(), ev)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Event processed", st)
}

// ResultSaved ingests a result-saved event.
func (h *Handler) ResultSaved(c *gin.Context) {
	var ev ResultSavedEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid event payload", err))
		return
	}
	st, err := h.svc.HandleResultSaved(c.Request.Context(), ev)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Event processed", st)
}

// QuizCreated ingests a quiz authorship event.
func (h *Handler) QuizCreated(c *gin.Context) {
	var ev QuizCreatedEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid event payload", err))
		return
	}
	st, err := h.svc.HandleQuizCreated(c.Request.Context(), ev)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Event processed", st)
}

// LiveSessionEnded settles a finished live session.
func (h *Handler) LiveSessionEnded(c *gin.Context) {
	var ev LiveSessionEndedEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid event payload", err))
		return
	}
	if err := h.svc.HandleLiveSessionEnded(c.Request.Context(), ev); err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Session settled", gin.H{"participants": len(ev.Participants)})
}

// SocialInteraction ingests a social activity event.
func (h *Handler) SocialInteraction(c *gin.Context) {
	var ev SocialInteractionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid event payload", err))
		return
	}
	if err := h.svc.HandleSocialInteraction(c.Request.Context(), ev); err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Event processed", gin.H{"queued": true})
}

// GetStats returns a user's stats snapshot.
func (h *Handler) GetStats(c *gin.Context) {
	st, err := h.svc.Stats.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Stats retrieved", st)
}

// GetActivity returns a user's recent activity markers.
func (h *Handler) GetActivity(c *gin.Context) {
	limit := queryInt(c, "limit", 20)
	entries := h.svc.Stats.RecentActivity(c.Request.Context(), c.Param("userId"), limit)
	wire.OK(c, "Activity retrieved", gin.H{"activity": entries})
}

// GetLeaderboard returns a page of a named board.
// Path: board (global|weekly|monthly). Query: start, limit.
func (h *Handler) GetLeaderboard(c *gin.Context) {
	board := c.Param("board")
	entries, err := h.svc.Boards.Top(c.Request.Context(), board, "",
		queryInt(c, "start", 0), queryInt(c, "limit", 10))
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Leaderboard retrieved", gin.H{"board": board, "entries": entries})
}

// GetCategoryLeaderboard returns a page of one category's board.
func (h *Handler) GetCategoryLeaderboard(c *gin.Context) {
	category := c.Param("category")
	entries, err := h.svc.Boards.Top(c.Request.Context(), "category", category,
		queryInt(c, "start", 0), queryInt(c, "limit", 10))
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Leaderboard retrieved", gin.H{"board": "category", "category": category, "entries": entries})
}

// GetRank returns one user's rank on a board.
func (h *Handler) GetRank(c *gin.Context) {
	board := c.DefaultQuery("board", BoardGlobal)
	entry, found, err := h.svc.Boards.Rank(c.Request.Context(), board, c.Query("category"), c.Param("userId"))
	if err != nil {
		wire.Fail(c, err)
		return
	}
	if !found {
		wire.Fail(c, wire.E(wire.KindNotFound, "user not ranked on this leaderboard"))
		return
	}
	wire.OK(c, "Rank retrieved", entry)
}

// GetSurrounding returns the window of entries around a user.
func (h *Handler) GetSurrounding(c *gin.Context) {
	board := c.DefaultQuery("board", BoardGlobal)
	entries, err := h.svc.Boards.Surrounding(c.Request.Context(), board, c.Query("category"), c.Param("userId"), queryInt(c, "radius", 2))
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Surrounding entries retrieved", gin.H{"board": board, "entries": entries})
}

// ListAchievements returns the active definition catalog.
func (h *Handler) ListAchievements(c *gin.Context) {
	defs, err := h.svc.Achievements.repo.ListDefinitions(c.Request.Context(), true)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Achievements retrieved", gin.H{"achievements": defs})
}

// UserAchievements returns a user's achievement page. The completedOnly
// query narrows it to unlocked rows.
func (h *Handler) UserAchievements(c *gin.Context) {
	completedOnly, _ := strconv.ParseBool(c.DefaultQuery("completedOnly", "false"))
	views, err := h.svc.Achievements.ForUser(c.Request.Context(), c.Param("userId"), completedOnly)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "User achievements retrieved", gin.H{"achievements": views})
}

// CreateAchievement installs a new definition.
func (h *Handler) CreateAchievement(c *gin.Context) {
	var def store.Achievement
	if err := c.ShouldBindJSON(&def); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid achievement", err))
		return
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := h.svc.Achievements.repo.InsertDefinition(c.Request.Context(), &def); err != nil {
		if err == store.ErrDuplicate {
			wire.Fail(c, wire.E(wire.KindConflict, "achievement already exists"))
			return
		}
		wire.Fail(c, err)
		return
	}
	wire.Created(c, "Achievement created", def)
}

// UpdateAchievement replaces a definition.
func (h *Handler) UpdateAchievement(c *gin.Context) {
	var def store.Achievement
	if err := c.ShouldBindJSON(&def); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid achievement", err))
		return
	}
	def.ID = c.Param("id")
	if err := h.svc.Achievements.repo.UpdateDefinition(c.Request.Context(), &def); err != nil {
		if err == store.ErrNotFound {
			wire.Fail(c, wire.E(wire.KindNotFound, "achievement not found"))
			return
		}
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Achievement updated", def)
}

// DeleteAchievement removes a definition from the catalog.
func (h *Handler) DeleteAchievement(c *gin.Context) {
	if err := h.svc.Achievements.repo.DeleteDefinition(c.Request.Context(), c.Param("id")); err != nil {
		if err == store.ErrNotFound {
			wire.Fail(c, wire.E(wire.KindNotFound, "achievement not found"))
			return
		}
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Achievement deleted", nil)
}

// SeedAchievements installs the default catalog.
func (h *Handler) SeedAchievements(c *gin.Context) {
	added, err := h.svc.Achievements.Seed(c.Request.Context())
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Achievements seeded", gin.H{"added": added})
}

// SyncStats drains the dirty set into the sync queue.
func (h *Handler) SyncStats(c *gin.Context) {
	queued, err := h.svc.EnqueueDirtySyncs(c.Request.Context())
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Stats sync queued", gin.H{"queued": queued})
}

// SyncUserStats flushes one user's cached counters straight into the store.
func (h *Handler) SyncUserStats(c *gin.Context) {
	userID := c.Param("userId")
	if err := h.svc.Stats.SyncToStore(c.Request.Context(), userID); err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Stats synced", gin.H{"userId": userID})
}

// bulkStatsRequest applies the same delta to many users at once.
type bulkStatsRequest struct {
	UserIDs []string `json:"userIds" binding:"required"`
	Points  float64  `json:"points"`
	Reason  string   `json:"reason"`
}

// BulkUpdateStats applies an admin point adjustment across users.
func (h *Handler) BulkUpdateStats(c *gin.Context) {
	var req bulkStatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid bulk update", err))
		return
	}
	if len(req.UserIDs) == 0 || len(req.UserIDs) > 500 {
		wire.Fail(c, wire.E(wire.KindValidation, "userIds must contain between 1 and 500 entries"))
		return
	}

	updated := 0
	for _, userID := range req.UserIDs {
		if _, err := h.svc.applyAndRecord(c.Request.Context(), userID, StatsDelta{
			Points:       req.Points,
			ActivityType: "admin_adjustment",
		}); err != nil {
			continue
		}
		updated++
	}
	wire.OK(c, "Bulk update applied", gin.H{"updated": updated})
}

// RebuildLeaderboard repopulates the global board from the store.
func (h *Handler) RebuildLeaderboard(c *gin.Context) {
	entries, err := h.svc.Boards.Rebuild(c.Request.Context())
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Leaderboard rebuilt", gin.H{"entries": entries})
}

// ResetLeaderboard wipes a periodic board.
func (h *Handler) ResetLeaderboard(c *gin.Context) {
	if err := h.svc.Boards.ResetPeriod(c.Request.Context(), c.Param("board")); err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Leaderboard reset", nil)
}

func queryInt(c *gin.Context, name string, def int64) int64 {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
