package notify

import (
	"fmt"
	"time"

	"github.com/ebobo/uplink_failover_go/pkg/model"
	"github.com/ebobo/uplink_failover_go/pkg/utility"
)

// Notification kinds.
const (
	KindRestored        = "restored"
	KindFailoverEngaged = "failover_engaged"
	KindNoConnectivity  = "no_connectivity"
	KindSecondaryLost   = "secondary_lost"
	KindStartup         = "startup"
	KindTest            = "test"
	KindManual          = "manual"
)

// Message returns the operator text for a kind. subject names the interface
// or uplink concerned, where there is one.
func Message(kind, subject string) string {
	switch kind {
	case KindRestored:
		return fmt.Sprintf("✅ Primary Internet connection restored (%s).", subject)
	case KindFailoverEngaged:
		return fmt.Sprintf("📡 Primary connection lost, failover to cellular engaged (%s).", subject)
	case KindNoConnectivity:
		return "❌ No connectivity available (neither primary nor cellular)."
	case KindSecondaryLost:
		return fmt.Sprintf("📵 Cellular connection lost (%s).", subject)
	case KindStartup:
		return fmt.Sprintf("⚠️ Failover monitor restarted, active uplink: %s.", subject)
	case KindTest:
		return fmt.Sprintf("🧪 Test message from the failover monitor, active uplink: %s.", subject)
	}
	return kind
}

// NewRequest builds a request for kind addressed to recipients.
func NewRequest(kind, text string, recipients []string, at time.Time) model.NotificationRequest {
	return model.NotificationRequest{
		ID:         utility.NewRequestID(),
		Kind:       kind,
		Recipients: append([]string(nil), recipients...),
		Text:       text,
		CreatedAt:  at,
	}
}
