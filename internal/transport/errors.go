package transport

import "errors"

// Delivery failures. Adapters wrap platform errors with these so callers can
// classify them with errors.Is without importing the platform SDK.
var (
	// ErrForbidden means the recipient blocked the bot, never started a
	// conversation with it, or the bot may not post in the target chat.
	ErrForbidden = errors.New("delivery forbidden")
	// ErrNotFound means the chat or user does not exist or is unreachable.
	ErrNotFound = errors.New("chat not found")
)

// DeliveryReason returns a short label for a delivery error, for logs and reports.
func DeliveryReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "send_failed"
	}
}
