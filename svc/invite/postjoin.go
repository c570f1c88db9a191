package invite

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/mediagate/pkg/logger"
	"github.com/dmitrymomot/mediagate/pkg/queue"
	"github.com/dmitrymomot/mediagate/svc/media"
)

// PostJoin is the queued follow-up to a token redemption: accept the server
// invite on the user's side and finish onboarding.
type PostJoin struct {
	ServerID  uuid.UUID `json:"server_id"`
	UserID    uuid.UUID `json:"user_id"`
	UserToken string    `json:"user_token"`
}

// NewPostJoinHandler returns the queue handler for PostJoin tasks. Failures
// are returned for the queue to retry and log; they never reach the user.
func NewPostJoinHandler(provider media.Provider, log *slog.Logger) queue.Handler {
	return queue.NewTaskHandler(func(ctx context.Context, t PostJoin) error {
		client, _, err := provider.Client(ctx, t.ServerID)
		if err != nil {
			return err
		}
		ti, ok := client.(media.TokenIdentity)
		if !ok {
			return nil
		}
		if err := ti.PostJoinSetup(ctx, t.UserToken); err != nil {
			return err
		}
		log.InfoContext(ctx, "post-join setup finished", logger.UserID(t.UserID), logger.ServerID(t.ServerID))
		return nil
	})
}

// JoinNotice is the queued admin notification for a new member.
type JoinNotice struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Notifier delivers admin notifications.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// NewJoinNoticeHandler returns the queue handler delivering JoinNotice tasks
// through n.
func NewJoinNoticeHandler(n Notifier, log *slog.Logger) queue.Handler {
	return queue.NewTaskHandler(func(ctx context.Context, t JoinNotice) error {
		if err := n.Notify(ctx, t.Title, t.Message); err != nil {
			return err
		}
		log.DebugContext(ctx, "join notification sent", slog.String("title", t.Title))
		return nil
	})
}
