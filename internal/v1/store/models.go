// Package store holds the durable document-store models and repositories.
// Long-lived records live here; everything ephemeral belongs to the kv facade.
package store

import (
	"time"
)

// UserRole is persisted on the user document.
type UserRole string

const (
	UserRoleStudent   UserRole = "Student"
	UserRoleTeacher   UserRole = "Teacher"
	UserRoleModerator UserRole = "Moderator"
	UserRoleAdmin     UserRole = "Admin"
)

// User is the identity record. A user with no password hash must carry an
// external OIDC subject.
type User struct {
	ID            string    `bson:"_id"`
	Name          string    `bson:"name"`
	Email         string    `bson:"email"`
	PasswordHash  string    `bson:"passwordHash,omitempty"`
	ExternalOIDC  string    `bson:"externalOidcId,omitempty"`
	Role          UserRole  `bson:"role"`
	Status        string    `bson:"status"`
	LastSeen      time.Time `bson:"lastSeen,omitempty"`
	LastActivity  time.Time `bson:"lastActivity,omitempty"`
	EmailVerified bool      `bson:"emailVerified"`
	CreatedAt     time.Time `bson:"createdAt"`
}

// AchievementType enumerates the supported criteria families.
type AchievementType string

const (
	AchievementQuizCompletion AchievementType = "quiz_completion"
	AchievementScore          AchievementType = "score_achievement"
	AchievementStreak         AchievementType = "streak"
	AchievementSpeed          AchievementType = "speed"
	AchievementCategoryMaster AchievementType = "category_master"
	AchievementSpecial        AchievementType = "special"
)

// AchievementCriteria parameterizes a definition's unlock condition.
type AchievementCriteria struct {
	Target    int    `bson:"target,omitempty" json:"target,omitempty"`
	Score     int    `bson:"score,omitempty" json:"score,omitempty"`
	TimeLimit int    `bson:"timeLimit,omitempty" json:"timeLimit,omitempty"` // seconds
	Category  string `bson:"category,omitempty" json:"category,omitempty"`
	Subtype   string `bson:"subtype,omitempty" json:"subtype,omitempty"` // special: "points" or "level"
}

// Achievement is a criterion-defined award a user can unlock at most once.
type Achievement struct {
	ID          string              `bson:"_id" json:"id"`
	Name        string              `bson:"name" json:"name"`
	Description string              `bson:"description" json:"description"`
	Icon        string              `bson:"icon" json:"icon"`
	Type        AchievementType     `bson:"type" json:"type"`
	Criteria    AchievementCriteria `bson:"criteria" json:"criteria"`
	Rarity      string              `bson:"rarity" json:"rarity"` // common, rare, epic, legendary
	Points      int                 `bson:"points" json:"points"`
	IsActive    bool                `bson:"isActive" json:"isActive"`
	CreatedAt   time.Time           `bson:"createdAt" json:"createdAt"`
}

// UserAchievement records an unlock or in-flight progress; unique per
// (user, achievement). Once completed the row is immutable.
type UserAchievement struct {
	UserID        string     `bson:"userId" json:"userId"`
	AchievementID string     `bson:"achievementId" json:"achievementId"`
	Progress      int        `bson:"progress" json:"progress"` // 0..100
	IsCompleted   bool       `bson:"isCompleted" json:"isCompleted"`
	UnlockedAt    *time.Time `bson:"unlockedAt,omitempty" json:"unlockedAt,omitempty"`
}

// UserStats is the durable mirror of the cache-resident per-user counters.
type UserStats struct {
	UserID             string     `bson:"_id" json:"userId"`
	TotalQuizzesTaken  int64      `bson:"totalQuizzesTaken" json:"totalQuizzesTaken"`
	TotalQuizzesMade   int64      `bson:"totalQuizzesCreated" json:"totalQuizzesCreated"`
	TotalPoints        float64    `bson:"totalPoints" json:"totalPoints"`
	CurrentStreak      int64      `bson:"currentStreak" json:"currentStreak"`
	LongestStreak      int64      `bson:"longestStreak" json:"longestStreak"`
	LastQuizDate       *time.Time `bson:"lastQuizDate,omitempty" json:"lastQuizDate,omitempty"`
	AverageScore       int64      `bson:"averageScore" json:"averageScore"` // 0..100
	TotalTimeSpent     int64      `bson:"totalTimeSpent" json:"totalTimeSpent"` // minutes
	Level              int64      `bson:"level" json:"level"`
	Experience         float64    `bson:"experience" json:"experience"`
	FavoriteCategories []string   `bson:"favoriteCategories,omitempty" json:"favoriteCategories,omitempty"`
	UpdatedAt          time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// MeetingSettings is the single authoritative shape for room policy; the
// participant cap lives on the meeting itself, never nested here.
type MeetingSettings struct {
	AllowRecording   bool `bson:"allowRecording" json:"allowRecording"`
	RequireApproval  bool `bson:"requireApproval" json:"requireApproval"`
	AllowScreenShare bool `bson:"allowScreenShare" json:"allowScreenShare"`
	AllowChat        bool `bson:"allowChat" json:"allowChat"`
	LockRoom         bool `bson:"lockRoom" json:"lockRoom"`
}

// MeetingStatus is the lifecycle state of a meeting.
type MeetingStatus string

const (
	MeetingScheduled MeetingStatus = "scheduled"
	MeetingActive    MeetingStatus = "active"
	MeetingEnded     MeetingStatus = "ended"
)

// Meeting is the durable meeting record; live participant state is cache-only.
type Meeting struct {
	RoomID          string          `bson:"_id" json:"roomId"` // uppercase-normalized short code
	Title           string          `bson:"title" json:"title"`
	HostID          string          `bson:"hostId" json:"hostId"`
	Status          MeetingStatus   `bson:"status" json:"status"`
	MaxParticipants int             `bson:"maxParticipants" json:"maxParticipants"`
	Settings        MeetingSettings `bson:"settings" json:"settings"`
	Topology        string          `bson:"topology" json:"topology"` // mesh or sfu
	ScheduledAt     *time.Time      `bson:"scheduledAt,omitempty" json:"scheduledAt,omitempty"`
	StartedAt       *time.Time      `bson:"startedAt,omitempty" json:"startedAt,omitempty"`
	EndedAt         *time.Time      `bson:"endedAt,omitempty" json:"endedAt,omitempty"`
	DurationSecs    int64           `bson:"durationSecs,omitempty" json:"durationSecs,omitempty"`
}

// ReportStatus / ReportPriority / ReportAction follow the moderation state machine.
type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportReviewing ReportStatus = "reviewing"
	ReportResolved  ReportStatus = "resolved"
	ReportDismissed ReportStatus = "dismissed"
)

type ReportPriority string

const (
	PriorityLow      ReportPriority = "low"
	PriorityMedium   ReportPriority = "medium"
	PriorityHigh     ReportPriority = "high"
	PriorityCritical ReportPriority = "critical"
)

// Report is a user-submitted complaint about content or a user.
type Report struct {
	ID                string         `bson:"_id" json:"id"`
	ReporterID        string         `bson:"reporterId" json:"reporterId"`
	ReportedUserID    string         `bson:"reportedUserId,omitempty" json:"reportedUserId,omitempty"`
	ReportedContentID string         `bson:"reportedContentId,omitempty" json:"reportedContentId,omitempty"`
	ContentType       string         `bson:"contentType" json:"contentType"` // post, comment, user, quiz, message, other
	Reason            string         `bson:"reason" json:"reason"`
	Description       string         `bson:"description,omitempty" json:"description,omitempty"`
	Status            ReportStatus   `bson:"status" json:"status"`
	Priority          ReportPriority `bson:"priority" json:"priority"`
	ModeratorID       string         `bson:"moderatorId,omitempty" json:"moderatorId,omitempty"`
	ModeratorNotes    string         `bson:"moderatorNotes,omitempty" json:"moderatorNotes,omitempty"`
	Action            string         `bson:"action" json:"action"` // none, warning, content_removed, user_suspended, user_banned, dismissed
	Evidence          []string       `bson:"evidence,omitempty" json:"evidence,omitempty"`
	CreatedAt         time.Time      `bson:"createdAt" json:"createdAt"`
	ResolvedAt        *time.Time     `bson:"resolvedAt,omitempty" json:"resolvedAt,omitempty"`
}

// ActionDuration is a moderator-supplied enforcement window.
type ActionDuration struct {
	Value int    `bson:"value" json:"value"`
	Unit  string `bson:"unit" json:"unit"` // hours, days, weeks, months, permanent
}

// ModerationAction is a moderator-applied enforcement on a target user.
type ModerationAction struct {
	ID              string          `bson:"_id" json:"id"`
	ModeratorID     string          `bson:"moderatorId" json:"moderatorId"`
	TargetUserID    string          `bson:"targetUserId" json:"targetUserId"`
	ActionType      string          `bson:"actionType" json:"actionType"` // warning, mute, suspend, ban, unban, content_removal, account_restriction, privilege_revoke
	Reason          string          `bson:"reason" json:"reason"`
	Duration        *ActionDuration `bson:"duration,omitempty" json:"duration,omitempty"`
	ExpiresAt       *time.Time      `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	RelatedReportID string          `bson:"relatedReportId,omitempty" json:"relatedReportId,omitempty"`
	Severity        string          `bson:"severity,omitempty" json:"severity,omitempty"`
	IsActive        bool            `bson:"isActive" json:"isActive"`
	RevokedBy       string          `bson:"revokedBy,omitempty" json:"revokedBy,omitempty"`
	RevokedReason   string          `bson:"revokedReason,omitempty" json:"revokedReason,omitempty"`
	RevokedAt       *time.Time      `bson:"revokedAt,omitempty" json:"revokedAt,omitempty"`
	CreatedAt       time.Time       `bson:"createdAt" json:"createdAt"`
}

// BannedUser mirrors an active ban action for O(1) ban checks.
type BannedUser struct {
	UserID    string     `bson:"_id" json:"userId"`
	ActionID  string     `bson:"actionId" json:"actionId"`
	Reason    string     `bson:"reason" json:"reason"`
	BanType   string     `bson:"banType" json:"banType"` // temporary or permanent
	BannedBy  string     `bson:"bannedBy" json:"bannedBy"`
	BannedAt  time.Time  `bson:"bannedAt" json:"bannedAt"`
	ExpiresAt *time.Time `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
}

// AppealStatus follows pending → under_review → approved|rejected.
type AppealStatus string

const (
	AppealPending     AppealStatus = "pending"
	AppealUnderReview AppealStatus = "under_review"
	AppealApproved    AppealStatus = "approved"
	AppealRejected    AppealStatus = "rejected"
)

// Appeal is a target user's request to revoke a specific action.
type Appeal struct {
	ID          string       `bson:"_id" json:"id"`
	UserID      string       `bson:"userId" json:"userId"`
	ActionID    string       `bson:"actionId" json:"actionId"`
	Reason      string       `bson:"reason" json:"reason"`
	Status      AppealStatus `bson:"status" json:"status"`
	ReviewedBy  string       `bson:"reviewedBy,omitempty" json:"reviewedBy,omitempty"`
	ReviewNotes string       `bson:"reviewNotes,omitempty" json:"reviewNotes,omitempty"`
	ReviewedAt  *time.Time   `bson:"reviewedAt,omitempty" json:"reviewedAt,omitempty"`
	CreatedAt   time.Time    `bson:"createdAt" json:"createdAt"`
}
