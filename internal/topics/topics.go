// Package topics builds the hierarchical MQTT topic strings shared by the
// station and the companion pad. All functions are pure.
package topics

import "fmt"

// Event names published under the pad prefix.
const (
	EventTransaction       = "transaction"
	EventPaymentResult     = "payment_result"
	EventCancel            = "cancel"
	EventSkipTip           = "skip_tip"
	EventSkipSignature     = "skip_signature"
	EventForceComplete     = "force_complete"
	EventTip               = "tip"
	EventSignature         = "signature"
	EventReceiptPreference = "receipt_preference"
	EventComplete          = "complete"
	EventHelp              = "help"
	EventSplitPayment      = "split_payment"
	EventScreen            = "screen"
	EventHeartbeat         = "heartbeat"
)

// PadEvent returns the topic for a pad-scoped protocol event, e.g.
// salon/s1/station/st1/pad/tip.
func PadEvent(salonID, stationID, event string) string {
	return fmt.Sprintf("salon/%s/station/%s/pad/%s", salonID, stationID, event)
}

// PadHeartbeat is the liveness beacon topic for the companion pad.
func PadHeartbeat(salonID, stationID string) string {
	return PadEvent(salonID, stationID, EventHeartbeat)
}

// StationHeartbeat is the liveness beacon topic for the staff station.
func StationHeartbeat(salonID, stationID string) string {
	return fmt.Sprintf("salon/%s/station/%s/station/%s", salonID, stationID, EventHeartbeat)
}

// PadUnpaired is the targeted unpair notice topic for one pad device.
func PadUnpaired(salonID, stationID, deviceID string) string {
	return fmt.Sprintf("salon/%s/station/%s/pad/%s/unpaired", salonID, stationID, deviceID)
}
