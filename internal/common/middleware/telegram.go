package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	initdata "github.com/telegram-mini-apps/init-data-golang"

	"matrix-ledger-backend/internal/common/errors"
)

const (
	InitDataHeader = "init_data"
	UserKey        = "user"
)

// TelegramInitData validates the Mini App init data in the init_data header
// and stores the Telegram user and its id as the caller. ttl 0 disables the
// expiry check.
func TelegramInitData(botToken string, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(InitDataHeader)
		if raw == "" {
			SendError(c, errors.NewUnauthorizedError("Telegram init data required"))
			return
		}
		if botToken == "" {
			SendError(c, errors.New(errors.ErrCodeInternal, "Server configuration error"))
			return
		}

		if err := initdata.Validate(raw, botToken, ttl); err != nil {
			SendError(c, errors.Wrap(err, errors.ErrCodeUnauthorized, "Invalid init data"))
			return
		}
		parsed, err := initdata.Parse(raw)
		if err != nil {
			SendError(c, errors.Wrap(err, errors.ErrCodeBadRequest, "Failed to parse init data"))
			return
		}
		if parsed.User.ID == 0 {
			SendError(c, errors.NewUnauthorizedError("init data carries no user"))
			return
		}

		c.Set(UserKey, parsed.User)
		c.Set(CallerIDKey, strconv.FormatInt(parsed.User.ID, 10))
		c.Next()
	}
}

// TelegramUser returns the user stored by TelegramInitData.
func TelegramUser(c *gin.Context) (initdata.User, bool) {
	v, ok := c.Get(UserKey)
	if !ok {
		return initdata.User{}, false
	}
	u, ok := v.(initdata.User)
	return u, ok
}

// CallerID is the Telegram id of the authenticated caller, or "".
func CallerID(c *gin.Context) string {
	return c.GetString(CallerIDKey)
}
