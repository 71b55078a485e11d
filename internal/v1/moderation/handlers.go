package moderation

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/classkit/backend-go/internal/v1/store"
	"github.com/classkit/backend-go/internal/v1/wire"
)

// Handler exposes the moderation HTTP surface.
type Handler struct {
	svc *Service
}

// NewHandler builds the HTTP handler around the service.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// RegisterRoutes mounts the caller-facing surface on api and the queue
// management surface on mod. Role gating happens in the router wiring: mod
// carries the moderator gate.
func (h *Handler) RegisterRoutes(api, mod *gin.RouterGroup) {
	api.POST("/reports", h.CreateReport)
	api.GET("/reports/user/my-reports", h.MyReports)
	api.POST("/appeals", h.SubmitAppeal)
	api.GET("/appeals/my-appeals", h.MyAppeals)
	api.GET("/actions/check/banned/:userId", wire.RequireSelfOrAdmin("userId"), h.CheckBanned)

	mod.GET("/reports", h.ListReports)
	mod.GET("/reports/stats", h.ReportStats)
	mod.PATCH("/reports/:id/status", h.UpdateReportStatus)
	mod.PATCH("/reports/bulk/update", h.BulkUpdate)
	mod.PUT("/reports/:id/resolve", h.ResolveReport)
	mod.PUT("/reports/:id/dismiss", h.DismissReport)

	mod.POST("/actions", h.CreateAction)
	mod.GET("/actions", h.ListActions)
	mod.GET("/actions/user/:userId", h.UserActions)
	mod.PATCH("/actions/:id/revoke", h.RevokeAction)
	mod.GET("/actions/banned/users", h.BannedUsers)
	mod.POST("/actions/expire/check", h.ExpireCheck)

	mod.GET("/appeals", h.ListAppeals)
	mod.PATCH("/appeals/:id/review", h.ReviewAppeal)
}

func caller(c *gin.Context) (wire.Identity, bool) {
	id, ok := wire.CallerIdentity(c)
	if !ok {
		wire.Fail(c, wire.E(wire.KindUnauthorized, "authentication required"))
	}
	return id, ok
}

// CreateReport ingests a report from the authenticated caller.
func (h *Handler) CreateReport(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var in CreateReportInput
	if err := c.ShouldBindJSON(&in); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid report", err))
		return
	}
	in.Description, _ = wire.Sanitize(in.Description).(string)

	rep, err := h.svc.CreateReport(c.Request.Context(), id.UserID, in)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.Created(c, "Report submitted", gin.H{"reportId": rep.ID, "status": rep.Status, "priority": rep.Priority})
}

// ListReports pages the moderation queue.
// Query: status, priority, contentType, page, pageSize.
func (h *Handler) ListReports(c *gin.Context) {
	reports, total, err := h.svc.ListReports(c.Request.Context(), store.ReportFilter{
		Status:      store.ReportStatus(c.Query("status")),
		Priority:    store.ReportPriority(c.Query("priority")),
		ContentType: c.Query("contentType"),
		Page:        queryInt(c, "page", 1),
		PageSize:    queryInt(c, "pageSize", 20),
	})
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Reports retrieved", gin.H{"reports": reports, "total": total})
}

// ReportStats snapshots the queue for the dashboard.
func (h *Handler) ReportStats(c *gin.Context) {
	stats, err := h.svc.ReportStats(c.Request.Context())
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Report stats retrieved", stats)
}

type statusUpdateRequest struct {
	Status store.ReportStatus `json:"status" binding:"required"`
	Notes  string             `json:"notes"`
}

// UpdateReportStatus moves one report along its state machine.
func (h *Handler) UpdateReportStatus(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req statusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid status update", err))
		return
	}
	rep, err := h.svc.UpdateReportStatus(c.Request.Context(), c.Param("id"), id.UserID, req.Status, req.Notes)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Report updated", rep)
}

type bulkUpdateRequest struct {
	ReportIDs []string           `json:"reportIds" binding:"required"`
	Status    store.ReportStatus `json:"status" binding:"required"`
	Notes     string             `json:"notes"`
}

// BulkUpdate applies one status to a batch of reports.
func (h *Handler) BulkUpdate(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req bulkUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid bulk update", err))
		return
	}
	updated, err := h.svc.BulkUpdateStatus(c.Request.Context(), req.ReportIDs, id.UserID, req.Status, req.Notes)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Reports updated", gin.H{"updated": updated})
}

type resolveRequest struct {
	Action string `json:"action"`
	Notes  string `json:"notes"`
}

// ResolveReport closes a report with the action taken.
func (h *Handler) ResolveReport(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req resolveRequest
	_ = c.ShouldBindJSON(&req)

	rep, err := h.svc.ResolveReport(c.Request.Context(), c.Param("id"), id.UserID, req.Action, req.Notes)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Report resolved", rep)
}

// DismissReport closes a report without action.
func (h *Handler) DismissReport(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req resolveRequest
	_ = c.ShouldBindJSON(&req)

	rep, err := h.svc.DismissReport(c.Request.Context(), c.Param("id"), id.UserID, req.Notes)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Report dismissed", rep)
}

// MyReports lists the caller's own reports.
func (h *Handler) MyReports(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	reports, total, err := h.svc.MyReports(c.Request.Context(), id.UserID,
		queryInt(c, "page", 1), queryInt(c, "pageSize", 20))
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Reports retrieved", gin.H{"reports": reports, "total": total})
}

// CreateAction applies an enforcement.
func (h *Handler) CreateAction(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var in CreateActionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid action", err))
		return
	}
	action, err := h.svc.CreateAction(c.Request.Context(), id.UserID, in)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.Created(c, "Action applied", action)
}

// ListActions lists recent actions. Query: activeOnly, limit.
func (h *Handler) ListActions(c *gin.Context) {
	actions, err := h.svc.ListActions(c.Request.Context(),
		c.Query("activeOnly") == "true", queryInt(c, "limit", 100))
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Actions retrieved", gin.H{"actions": actions})
}

// UserActions lists a target user's enforcement history.
func (h *Handler) UserActions(c *gin.Context) {
	actions, err := h.svc.UserActions(c.Request.Context(),
		c.Param("userId"), c.Query("activeOnly") == "true")
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Actions retrieved", gin.H{"actions": actions})
}

type revokeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RevokeAction lifts an active enforcement.
func (h *Handler) RevokeAction(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "revocation reason is required", err))
		return
	}
	action, err := h.svc.RevokeAction(c.Request.Context(), c.Param("id"), id.UserID, req.Reason)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Action revoked", action)
}

// CheckBanned reports whether a user is currently banned.
func (h *Handler) CheckBanned(c *gin.Context) {
	ban, banned, err := h.svc.IsBanned(c.Request.Context(), c.Param("userId"))
	if err != nil {
		wire.Fail(c, err)
		return
	}
	if !banned {
		wire.OK(c, "User is not banned", gin.H{"banned": false})
		return
	}
	wire.OK(c, "User is banned", gin.H{"banned": true, "ban": ban})
}

// BannedUsers lists all current bans.
func (h *Handler) BannedUsers(c *gin.Context) {
	banned, err := h.svc.BannedUsers(c.Request.Context())
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Banned users retrieved", gin.H{"bannedUsers": banned})
}

// ExpireCheck runs the expiry reconciliation pass.
func (h *Handler) ExpireCheck(c *gin.Context) {
	expired, err := h.svc.ExpireCheck(c.Request.Context())
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Expiry check complete", gin.H{"expired": expired})
}

type appealRequest struct {
	ActionID string `json:"actionId" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// SubmitAppeal files an appeal against an action targeting the caller.
func (h *Handler) SubmitAppeal(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req appealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid appeal", err))
		return
	}
	reason, _ := wire.Sanitize(req.Reason).(string)

	appeal, err := h.svc.SubmitAppeal(c.Request.Context(), id.UserID, req.ActionID, reason)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.Created(c, "Appeal submitted", appeal)
}

// ListAppeals lists the appeal queue. Query: status.
func (h *Handler) ListAppeals(c *gin.Context) {
	appeals, err := h.svc.Appeals(c.Request.Context(), store.AppealStatus(c.Query("status")))
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Appeals retrieved", gin.H{"appeals": appeals})
}

// MyAppeals lists the caller's own appeals.
func (h *Handler) MyAppeals(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	appeals, err := h.svc.MyAppeals(c.Request.Context(), id.UserID)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Appeals retrieved", gin.H{"appeals": appeals})
}

type reviewRequest struct {
	Decision string `json:"decision" binding:"required"` // approved or rejected
	Notes    string `json:"notes"`
}

// ReviewAppeal finalizes an appeal.
func (h *Handler) ReviewAppeal(c *gin.Context) {
	id, ok := caller(c)
	if !ok {
		return
	}
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		wire.Fail(c, wire.Wrap(wire.KindValidation, "invalid review", err))
		return
	}
	if req.Decision != "approved" && req.Decision != "rejected" {
		wire.Fail(c, wire.ValidationErr("decision must be approved or rejected"))
		return
	}
	appeal, err := h.svc.ReviewAppeal(c.Request.Context(), c.Param("id"), id.UserID,
		req.Decision == "approved", req.Notes)
	if err != nil {
		wire.Fail(c, err)
		return
	}
	wire.OK(c, "Appeal reviewed", appeal)
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
