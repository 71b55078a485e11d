// Package notify delivers fire-and-forget webhooks to sibling services.
// Deliveries never block or fail the calling operation: each send runs on its
// own goroutine behind a per-target circuit breaker, and failures are logged
// and dropped.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/metrics"
)

// Notifier posts JSON events to the social and account services.
type Notifier struct {
	httpClient *http.Client
	socialURL  string
	accountURL string
	socialCB   *gobreaker.CircuitBreaker
	accountCB  *gobreaker.CircuitBreaker
}

// New builds a notifier. Empty base URLs disable the corresponding target.
func New(socialURL, accountURL string) *Notifier {
	newCB := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    1 * time.Minute,
			Timeout:     30 * time.Second,
			OnStateChange: func(name string, from, to gobreaker.State) {
				var stateVal float64
				switch to {
				case gobreaker.StateClosed:
					stateVal = 0
				case gobreaker.StateOpen:
					stateVal = 1
				case gobreaker.StateHalfOpen:
					stateVal = 2
				}
				metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
			},
		})
	}
	return &Notifier{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		socialURL:  socialURL,
		accountURL: accountURL,
		socialCB:   newCB("social-service"),
		accountCB:  newCB("account-service"),
	}
}

// Achievement is the unlocked-definition payload forwarded to the social
// service.
type Achievement struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Rarity      string `json:"rarity"`
	Points      int    `json:"points"`
}

// AchievementUnlocked tells the social service a user earned an achievement.
func (n *Notifier) AchievementUnlocked(ctx context.Context, userID string, a Achievement) {
	n.post(ctx, n.socialURL, n.socialCB, "/api/events/achievement-unlocked", map[string]any{
		"userId":      userID,
		"achievement": a,
	})
}

// ModerationAction tells the account service an enforcement was applied.
func (n *Notifier) ModerationAction(ctx context.Context, targetUserID, actionID, actionType string, expiresAt *time.Time) {
	payload := map[string]any{
		"userId":             targetUserID,
		"actionType":         actionType,
		"moderationActionId": actionID,
	}
	if expiresAt != nil {
		payload["expiresAt"] = expiresAt.UTC().Format(time.RFC3339)
	}
	n.post(ctx, n.accountURL, n.accountCB, "/api/internal/moderation-action", payload)
}

// ModerationRevoked tells the account service an enforcement was lifted.
func (n *Notifier) ModerationRevoked(ctx context.Context, targetUserID, actionID string) {
	n.post(ctx, n.accountURL, n.accountCB, "/api/internal/moderation-revoked", map[string]any{
		"userId":             targetUserID,
		"moderationActionId": actionID,
	})
}

// post fires the delivery on a fresh goroutine. The caller's context is only
// used for log correlation; delivery gets its own timeout so a canceled
// request doesn't abort an in-flight webhook.
func (n *Notifier) post(ctx context.Context, baseURL string, cb *gobreaker.CircuitBreaker, path string, payload map[string]any) {
	if baseURL == "" {
		return
	}
	url := baseURL + path

	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := cb.Execute(func() (interface{}, error) {
			return nil, n.send(sendCtx, url, payload)
		})
		if err != nil {
			metrics.CircuitBreakerFailures.WithLabelValues(cb.Name()).Inc()
			logging.Warn(ctx, "Dropped cross-service notification",
				zap.String("url", url), zap.Error(err))
			return
		}
		logging.Info(ctx, "Delivered cross-service notification", zap.String("url", url))
	}()
}

func (n *Notifier) send(ctx context.Context, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return nil
}
