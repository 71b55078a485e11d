// Package moderation implements the report → action → appeal lifecycle:
// report intake with dedup and auto-priority, enforcement actions with a
// banned-user mirror for O(1) ban checks, lazy and batch expiry of temporary
// bans, and appeals that can revoke the underlying action.
package moderation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/metrics"
	"github.com/classkit/backend-go/internal/v1/notify"
	"github.com/classkit/backend-go/internal/v1/store"
	"github.com/classkit/backend-go/internal/v1/wire"
)

// reasonPriorities maps intake reasons to their automatic priority; anything
// unlisted lands at medium.
var reasonPriorities = map[string]store.ReportPriority{
	"hate_speech": store.PriorityHigh,
	"violence":    store.PriorityHigh,
	"harassment":  store.PriorityHigh,
	"spam":        store.PriorityLow,
}

// Repo is the persistence slice the service needs; *store.ModerationRepo
// satisfies it.
type Repo interface {
	HasOpenReport(ctx context.Context, reporterID, reportedUserID, reportedContentID string) (bool, error)
	InsertReport(ctx context.Context, rep *store.Report) error
	GetReport(ctx context.Context, id string) (*store.Report, error)
	ListReports(ctx context.Context, f store.ReportFilter) ([]store.Report, int64, error)
	UpdateReport(ctx context.Context, id string, set bson.M) error
	BulkUpdateReports(ctx context.Context, ids []string, set bson.M) (int64, error)
	CountReports(ctx context.Context) (*store.ReportStats, error)

	InsertAction(ctx context.Context, a *store.ModerationAction) error
	GetAction(ctx context.Context, id string) (*store.ModerationAction, error)
	ListActions(ctx context.Context, activeOnly bool, limit int64) ([]store.ModerationAction, error)
	ListActionsForUser(ctx context.Context, targetUserID string, activeOnly bool) ([]store.ModerationAction, error)
	RevokeAction(ctx context.Context, id, revokedBy, reason string, at time.Time) error
	ExpireActions(ctx context.Context, now time.Time) ([]store.ModerationAction, error)

	UpsertBannedUser(ctx context.Context, b *store.BannedUser) error
	GetBannedUser(ctx context.Context, userID string) (*store.BannedUser, error)
	DeleteBannedUser(ctx context.Context, userID string) error
	ListBannedUsers(ctx context.Context) ([]store.BannedUser, error)

	InsertAppeal(ctx context.Context, a *store.Appeal) error
	GetAppeal(ctx context.Context, id string) (*store.Appeal, error)
	HasOpenAppeal(ctx context.Context, userID, actionID string) (bool, error)
	ListAppeals(ctx context.Context, status store.AppealStatus, userID string) ([]store.Appeal, error)
	ReviewAppeal(ctx context.Context, id string, status store.AppealStatus, reviewerID, notes string, at time.Time) error
}

// Service coordinates the moderation lifecycle.
type Service struct {
	repo     Repo
	notifier *notify.Notifier
	now      func() time.Time
}

func NewService(repo Repo, notifier *notify.Notifier) *Service {
	return &Service{repo: repo, notifier: notifier, now: time.Now}
}

// CreateReportInput is the intake payload.
type CreateReportInput struct {
	ReportedUserID    string   `json:"reportedUserId"`
	ReportedContentID string   `json:"reportedContentId"`
	ContentType       string   `json:"contentType" binding:"required"`
	Reason            string   `json:"reason" binding:"required"`
	Description       string   `json:"description"`
	Evidence          []string `json:"evidence"`
}

// CreateReport ingests a report: dedup against the reporter's open reports
// for the same target, then auto-prioritize by reason.
func (s *Service) CreateReport(ctx context.Context, reporterID string, in CreateReportInput) (*store.Report, error) {
	if in.ReportedUserID == "" && in.ReportedContentID == "" {
		return nil, wire.ValidationErr("reportedUserId or reportedContentId is required")
	}

	open, err := s.repo.HasOpenReport(ctx, reporterID, in.ReportedUserID, in.ReportedContentID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, wire.E(wire.KindConflict, "you already have an open report for this target")
	}

	priority := store.PriorityMedium
	if p, ok := reasonPriorities[in.Reason]; ok {
		priority = p
	}

	rep := &store.Report{
		ID:                uuid.NewString(),
		ReporterID:        reporterID,
		ReportedUserID:    in.ReportedUserID,
		ReportedContentID: in.ReportedContentID,
		ContentType:       in.ContentType,
		Reason:            in.Reason,
		Description:       in.Description,
		Evidence:          in.Evidence,
		Status:            store.ReportPending,
		Priority:          priority,
		Action:            "none",
		CreatedAt:         s.now().UTC(),
	}
	if err := s.repo.InsertReport(ctx, rep); err != nil {
		return nil, err
	}
	logging.Info(ctx, "Report created",
		zap.String("report_id", rep.ID), zap.String("reason", rep.Reason),
		zap.String("priority", string(rep.Priority)))
	return rep, nil
}

// ListReports pages the report queue.
func (s *Service) ListReports(ctx context.Context, f store.ReportFilter) ([]store.Report, int64, error) {
	return s.repo.ListReports(ctx, f)
}

// ReportStats snapshots the queue.
func (s *Service) ReportStats(ctx context.Context) (*store.ReportStats, error) {
	return s.repo.CountReports(ctx)
}

// validStatusTransition enforces pending → reviewing → {resolved, dismissed}.
// Skipping the reviewing stage is allowed; going backwards is not.
func validStatusTransition(from, to store.ReportStatus) bool {
	switch to {
	case store.ReportReviewing:
		return from == store.ReportPending
	case store.ReportResolved, store.ReportDismissed:
		return from == store.ReportPending || from == store.ReportReviewing
	default:
		return false
	}
}

// UpdateReportStatus moves a report along its state machine.
func (s *Service) UpdateReportStatus(ctx context.Context, id, moderatorID string, status store.ReportStatus, notes string) (*store.Report, error) {
	rep, err := s.repo.GetReport(ctx, id)
	if err == store.ErrNotFound {
		return nil, wire.E(wire.KindNotFound, "report not found")
	}
	if err != nil {
		return nil, err
	}
	if !validStatusTransition(rep.Status, status) {
		return nil, wire.Ef(wire.KindValidation, "cannot move report from %s to %s", rep.Status, status)
	}

	set := bson.M{"status": status, "moderatorId": moderatorID}
	if notes != "" {
		set["moderatorNotes"] = notes
	}
	if status == store.ReportResolved || status == store.ReportDismissed {
		set["resolvedAt"] = s.now().UTC()
	}
	if err := s.repo.UpdateReport(ctx, id, set); err != nil {
		return nil, err
	}
	return s.repo.GetReport(ctx, id)
}

// ResolveReport closes a report with the action the moderator took.
func (s *Service) ResolveReport(ctx context.Context, id, moderatorID, action, notes string) (*store.Report, error) {
	rep, err := s.UpdateReportStatus(ctx, id, moderatorID, store.ReportResolved, notes)
	if err != nil {
		return nil, err
	}
	if action != "" {
		if err := s.repo.UpdateReport(ctx, id, bson.M{"action": action}); err != nil {
			return nil, err
		}
		rep.Action = action
	}
	return rep, nil
}

// DismissReport closes a report without action.
func (s *Service) DismissReport(ctx context.Context, id, moderatorID, notes string) (*store.Report, error) {
	rep, err := s.UpdateReportStatus(ctx, id, moderatorID, store.ReportDismissed, notes)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateReport(ctx, id, bson.M{"action": "dismissed"}); err != nil {
		return nil, err
	}
	rep.Action = "dismissed"
	return rep, nil
}

// BulkUpdateStatus applies one status to many reports and returns how many
// changed. Transition checks are per-report best-effort here; invalid targets
// are counted, not failed.
func (s *Service) BulkUpdateStatus(ctx context.Context, ids []string, moderatorID string, status store.ReportStatus, notes string) (int64, error) {
	if len(ids) == 0 || len(ids) > 100 {
		return 0, wire.ValidationErr("reportIds must contain between 1 and 100 entries")
	}
	switch status {
	case store.ReportReviewing, store.ReportResolved, store.ReportDismissed:
	default:
		return 0, wire.ValidationErr("status must be reviewing, resolved or dismissed")
	}

	set := bson.M{"status": status, "moderatorId": moderatorID}
	if notes != "" {
		set["moderatorNotes"] = notes
	}
	if status == store.ReportResolved || status == store.ReportDismissed {
		set["resolvedAt"] = s.now().UTC()
	}
	return s.repo.BulkUpdateReports(ctx, ids, set)
}

// MyReports lists the caller's own reports.
func (s *Service) MyReports(ctx context.Context, reporterID string, page, size int64) ([]store.Report, int64, error) {
	return s.repo.ListReports(ctx, store.ReportFilter{ReporterID: reporterID, Page: page, PageSize: size})
}

// CreateActionInput is the enforcement payload.
type CreateActionInput struct {
	TargetUserID    string                `json:"targetUserId" binding:"required"`
	ActionType      string                `json:"actionType" binding:"required"`
	Reason          string                `json:"reason" binding:"required"`
	Duration        *store.ActionDuration `json:"duration"`
	RelatedReportID string                `json:"relatedReportId"`
	Severity        string                `json:"severity"`
}

// expiryFrom converts a duration into an absolute expiry. Permanent or
// missing durations yield nil.
func expiryFrom(now time.Time, d *store.ActionDuration) *time.Time {
	if d == nil || d.Unit == "permanent" || d.Value <= 0 {
		return nil
	}
	var delta time.Duration
	switch d.Unit {
	case "hours":
		delta = time.Duration(d.Value) * time.Hour
	case "days":
		delta = time.Duration(d.Value) * 24 * time.Hour
	case "weeks":
		delta = time.Duration(d.Value) * 7 * 24 * time.Hour
	case "months":
		delta = time.Duration(d.Value) * 30 * 24 * time.Hour
	default:
		return nil
	}
	t := now.Add(delta)
	return &t
}

// CreateAction applies an enforcement to a target user. Bans additionally
// maintain the BannedUser mirror; the account service is told after the fact.
func (s *Service) CreateAction(ctx context.Context, moderatorID string, in CreateActionInput) (*store.ModerationAction, error) {
	if moderatorID == in.TargetUserID {
		return nil, wire.E(wire.KindForbidden, "moderators cannot target themselves")
	}
	if in.Duration != nil {
		switch in.Duration.Unit {
		case "hours", "days", "weeks", "months", "permanent":
		default:
			return nil, wire.ValidationErr("duration unit must be hours, days, weeks, months or permanent")
		}
	}

	now := s.now().UTC()
	action := &store.ModerationAction{
		ID:              uuid.NewString(),
		ModeratorID:     moderatorID,
		TargetUserID:    in.TargetUserID,
		ActionType:      in.ActionType,
		Reason:          in.Reason,
		Duration:        in.Duration,
		ExpiresAt:       expiryFrom(now, in.Duration),
		RelatedReportID: in.RelatedReportID,
		Severity:        in.Severity,
		IsActive:        true,
		CreatedAt:       now,
	}
	if err := s.repo.InsertAction(ctx, action); err != nil {
		return nil, err
	}

	if action.ActionType == "ban" {
		banType := "permanent"
		if action.ExpiresAt != nil {
			banType = "temporary"
		}
		err := s.repo.UpsertBannedUser(ctx, &store.BannedUser{
			UserID:    action.TargetUserID,
			ActionID:  action.ID,
			Reason:    action.Reason,
			BanType:   banType,
			BannedBy:  moderatorID,
			BannedAt:  now,
			ExpiresAt: action.ExpiresAt,
		})
		if err != nil {
			return nil, err
		}
	}

	metrics.ModerationActions.WithLabelValues(action.ActionType).Inc()
	s.notifier.ModerationAction(ctx, action.TargetUserID, action.ID, action.ActionType, action.ExpiresAt)
	logging.Info(ctx, "Moderation action applied",
		zap.String("action_id", action.ID), zap.String("action_type", action.ActionType),
		zap.String("target_user_id", action.TargetUserID))
	return action, nil
}

// ListActions lists recent actions.
func (s *Service) ListActions(ctx context.Context, activeOnly bool, limit int64) ([]store.ModerationAction, error) {
	return s.repo.ListActions(ctx, activeOnly, limit)
}

// UserActions lists a target user's action history.
func (s *Service) UserActions(ctx context.Context, userID string, activeOnly bool) ([]store.ModerationAction, error) {
	return s.repo.ListActionsForUser(ctx, userID, activeOnly)
}

// RevokeAction lifts an active enforcement.
func (s *Service) RevokeAction(ctx context.Context, id, revokedBy, reason string) (*store.ModerationAction, error) {
	action, err := s.repo.GetAction(ctx, id)
	if err == store.ErrNotFound {
		return nil, wire.E(wire.KindNotFound, "action not found")
	}
	if err != nil {
		return nil, err
	}
	if !action.IsActive {
		return nil, wire.E(wire.KindConflict, "action is not active")
	}

	now := s.now().UTC()
	if err := s.repo.RevokeAction(ctx, id, revokedBy, reason, now); err != nil {
		if err == store.ErrNotFound {
			return nil, wire.E(wire.KindConflict, "action is not active")
		}
		return nil, err
	}
	if action.ActionType == "ban" {
		if err := s.repo.DeleteBannedUser(ctx, action.TargetUserID); err != nil {
			logging.Warn(ctx, "Failed to drop ban mirror on revoke",
				zap.String("user_id", action.TargetUserID), zap.Error(err))
		}
	}

	action.IsActive = false
	action.RevokedBy = revokedBy
	action.RevokedReason = reason
	action.RevokedAt = &now

	s.notifier.ModerationRevoked(ctx, action.TargetUserID, action.ID)
	logging.Info(ctx, "Moderation action revoked",
		zap.String("action_id", id), zap.String("revoked_by", revokedBy))
	return action, nil
}

// IsBanned checks the ban mirror. Temporary bans past their expiry are lazily
// cleaned up on first observation: mirror row deleted, underlying action
// deactivated, not-banned returned.
func (s *Service) IsBanned(ctx context.Context, userID string) (*store.BannedUser, bool, error) {
	b, err := s.repo.GetBannedUser(ctx, userID)
	if err == store.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if b.BanType == "temporary" && b.ExpiresAt != nil && b.ExpiresAt.Before(s.now().UTC()) {
		if err := s.repo.DeleteBannedUser(ctx, userID); err != nil {
			logging.Warn(ctx, "Failed to drop expired ban mirror",
				zap.String("user_id", userID), zap.Error(err))
		}
		if err := s.repo.RevokeAction(ctx, b.ActionID, "system", "Ban expired", s.now().UTC()); err != nil && err != store.ErrNotFound {
			logging.Warn(ctx, "Failed to deactivate expired ban action",
				zap.String("action_id", b.ActionID), zap.Error(err))
		}
		logging.Info(ctx, "Temporary ban lapsed", zap.String("user_id", userID))
		return nil, false, nil
	}
	return b, true, nil
}

// BannedUsers lists all current ban mirror rows.
func (s *Service) BannedUsers(ctx context.Context) ([]store.BannedUser, error) {
	return s.repo.ListBannedUsers(ctx)
}

// ExpireCheck deactivates every lapsed action and drops the matching ban
// mirrors. Called from cron and exposed as an admin endpoint.
func (s *Service) ExpireCheck(ctx context.Context) (int, error) {
	expired, err := s.repo.ExpireActions(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	for i := range expired {
		if expired[i].ActionType != "ban" {
			continue
		}
		if err := s.repo.DeleteBannedUser(ctx, expired[i].TargetUserID); err != nil {
			logging.Warn(ctx, "Failed to drop ban mirror on expiry",
				zap.String("user_id", expired[i].TargetUserID), zap.Error(err))
		}
	}
	if len(expired) > 0 {
		logging.Info(ctx, "Expired moderation actions", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

// SubmitAppeal files an appeal against an action. Only the action's target
// may appeal, only active actions can be appealed, and one in-flight appeal
// per (user, action) is allowed.
func (s *Service) SubmitAppeal(ctx context.Context, userID, actionID, reason string) (*store.Appeal, error) {
	action, err := s.repo.GetAction(ctx, actionID)
	if err == store.ErrNotFound {
		return nil, wire.E(wire.KindNotFound, "action not found")
	}
	if err != nil {
		return nil, err
	}
	if action.TargetUserID != userID {
		return nil, wire.E(wire.KindForbidden, "only the action's target may appeal")
	}
	if !action.IsActive {
		return nil, wire.E(wire.KindValidation, "action is no longer active")
	}

	open, err := s.repo.HasOpenAppeal(ctx, userID, actionID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, wire.E(wire.KindConflict, "an appeal for this action is already in flight")
	}

	appeal := &store.Appeal{
		ID:        uuid.NewString(),
		UserID:    userID,
		ActionID:  actionID,
		Reason:    reason,
		Status:    store.AppealPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.InsertAppeal(ctx, appeal); err != nil {
		return nil, err
	}
	logging.Info(ctx, "Appeal submitted",
		zap.String("appeal_id", appeal.ID), zap.String("action_id", actionID))
	return appeal, nil
}

// Appeals lists appeals for the moderation queue.
func (s *Service) Appeals(ctx context.Context, status store.AppealStatus) ([]store.Appeal, error) {
	return s.repo.ListAppeals(ctx, status, "")
}

// MyAppeals lists the caller's own appeals.
func (s *Service) MyAppeals(ctx context.Context, userID string) ([]store.Appeal, error) {
	return s.repo.ListAppeals(ctx, "", userID)
}

// ReviewAppeal finalizes an appeal. Approval revokes the underlying action
// with a fixed reason.
func (s *Service) ReviewAppeal(ctx context.Context, appealID, reviewerID string, approved bool, notes string) (*store.Appeal, error) {
	appeal, err := s.repo.GetAppeal(ctx, appealID)
	if err == store.ErrNotFound {
		return nil, wire.E(wire.KindNotFound, "appeal not found")
	}
	if err != nil {
		return nil, err
	}
	if appeal.Status != store.AppealPending && appeal.Status != store.AppealUnderReview {
		return nil, wire.E(wire.KindConflict, "appeal is already decided")
	}

	status := store.AppealRejected
	if approved {
		status = store.AppealApproved
	}
	now := s.now().UTC()
	if err := s.repo.ReviewAppeal(ctx, appealID, status, reviewerID, notes, now); err != nil {
		if err == store.ErrNotFound {
			return nil, wire.E(wire.KindConflict, "appeal is already decided")
		}
		return nil, err
	}

	if approved {
		if _, err := s.RevokeAction(ctx, appeal.ActionID, reviewerID, "Appeal approved"); err != nil {
			// The appeal is decided either way; an already-inactive action is
			// not an approval failure.
			if wire.KindOf(err) != wire.KindConflict {
				logging.Error(ctx, "Failed to revoke action for approved appeal",
					zap.String("appeal_id", appealID), zap.String("action_id", appeal.ActionID), zap.Error(err))
			}
		}
	}

	appeal.Status = status
	appeal.ReviewedBy = reviewerID
	appeal.ReviewNotes = notes
	appeal.ReviewedAt = &now
	return appeal, nil
}
