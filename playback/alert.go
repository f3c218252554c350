package playback

import "time"

type (
	// Alert is a diagnostic surfaced by the engine: the engine never logs or
	// fails the process, it publishes alerts on the broker and degrades. Name
	// identifies the condition so that consumers can deduplicate repeats;
	// Duration hints how long the alert is worth showing.
	Alert struct {
		Name     string
		Priority AlertPriority
		Message  string
		Duration time.Duration
	}

	AlertPriority int
)

const (
	None AlertPriority = iota
	Info
	Warning
	Error
)

const defaultAlertDuration = 3 * time.Second

// sendAlert publishes an alert on the broker, dropping it if the engine
// channel is full.
func sendAlert(b *Broker, name, message string, priority AlertPriority) {
	TrySend(b.ToEngine, MsgToEngine{
		HasAlert: true,
		Alert: Alert{
			Name:     name,
			Priority: priority,
			Message:  message,
			Duration: defaultAlertDuration,
		},
	})
}
