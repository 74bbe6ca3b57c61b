package audit

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/credpool/pool-server-go/internal/util"
)

type EventType string

const (
	EventAllocate          EventType = "accounts_allocate"
	EventRelease           EventType = "accounts_release"
	EventTokenRefresh      EventType = "token_refresh"
	EventReplenish         EventType = "pool_replenish"
	EventPoolRefresh       EventType = "pool_refresh"
	EventAuthFailure       EventType = "auth_failure"
	EventAdminDenied       EventType = "admin_denied"
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
)

// Event is one audit trail entry. Emails are masked before logging;
// credential values must never be placed in Details.
type Event struct {
	Type      EventType
	SessionID string
	Email     string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

func Log(event Event) {
	logger := log.With().
		Str("audit", "pool").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.SessionID != "" {
		logger = logger.With().Str("session_id", event.SessionID).Logger()
	}
	if event.Email != "" {
		logger = logger.With().Str("email", util.MaskEmail(event.Email)).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

// LogFromRequest stamps the event with the caller's network identity
// before logging it.
func LogFromRequest(r *http.Request, event Event) {
	event.IP = getClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(event)
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
