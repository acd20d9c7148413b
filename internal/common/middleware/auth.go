package middleware

import (
	"github.com/gin-gonic/gin"

	"matrix-ledger-backend/internal/common/errors"
)

// RequireAdmin lets through callers whose Telegram id is in adminIDs. It must
// run after TelegramInitData.
func RequireAdmin(adminIDs []int64) gin.HandlerFunc {
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}

	return func(c *gin.Context) {
		user, ok := TelegramUser(c)
		if !ok {
			SendError(c, errors.NewUnauthorizedError("Telegram init data required"))
			return
		}
		if _, ok := admins[user.ID]; !ok {
			SendError(c, errors.NewForbiddenError("admin access required").
				WithDetail("user_id", user.ID))
			return
		}
		c.Next()
	}
}
