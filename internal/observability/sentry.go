package observability

import (
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

const redacted = "[redacted]"

// sensitiveHeaders carry bearer tokens, session tokens or cookies.
var sensitiveHeaders = []string{"Authorization", "Cookie", "X-Session-Token"}

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		SendDefaultPII:   false,
		BeforeSend:       ScrubEvent,
	})
}

// ScrubEvent drops request bodies and credential headers before an event
// leaves the process. Auth request bodies hold passwords and tokens.
func ScrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	event.Request.Data = ""
	event.Request.Cookies = ""
	for _, name := range sensitiveHeaders {
		for key := range event.Request.Headers {
			if http.CanonicalHeaderKey(key) == name {
				event.Request.Headers[key] = redacted
			}
		}
	}
	return event
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
