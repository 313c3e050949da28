package model

import (
	"encoding/json"
	"time"
)

// PairingRecord binds this companion display to one checkout station.
// The remote device directory holds a denormalized mirror; this copy is
// authoritative for the local device.
type PairingRecord struct {
	StationID   string    `json:"station_id"`
	SalonID     string    `json:"salon_id"`
	StationName string    `json:"station_name"`
	DeviceID    string    `json:"device_id"`
	DeviceName  string    `json:"device_name,omitempty"`
	PairedAt    time.Time `json:"paired_at"`
}

// Valid reports whether the record identifies a usable pairing. A partially
// written record is treated as unpaired.
func (p PairingRecord) Valid() bool {
	return p.StationID != "" && p.SalonID != ""
}

// QueuedMessage is one entry in the offline outbox.
type QueuedMessage struct {
	ID           string          `json:"id"`
	Topic        string          `json:"topic"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	AttemptCount int             `json:"attempt_count"`
}

// FlowStep describes where the customer-facing transaction stands.
type FlowStep string

const (
	StepWaiting           FlowStep = "waiting"
	StepReceipt           FlowStep = "receipt"
	StepTip               FlowStep = "tip"
	StepSignature         FlowStep = "signature"
	StepReceiptPreference FlowStep = "receipt_preference"
	StepWaitingPayment    FlowStep = "waiting_payment"
	StepComplete          FlowStep = "complete"
	StepFailed            FlowStep = "failed"
	StepCancelled         FlowStep = "cancelled"
)

// Terminal reports whether the step ends the active transaction.
func (s FlowStep) Terminal() bool {
	return s == StepComplete || s == StepFailed || s == StepCancelled
}

// Screen returns the UI screen shown for a flow step.
func (s FlowStep) Screen() string {
	switch s {
	case StepReceipt:
		return "receipt"
	case StepTip:
		return "tip"
	case StepSignature:
		return "signature"
	case StepReceiptPreference:
		return "receipt_preference"
	case StepWaitingPayment:
		return "processing"
	case StepComplete:
		return "thank_you"
	case StepFailed:
		return "payment_failed"
	default:
		return "welcome"
	}
}

// HeartbeatPayload is the periodic liveness beacon published by a device.
type HeartbeatPayload struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	SalonID    string    `json:"salon_id"`
	PairedTo   string    `json:"paired_to"`
	Timestamp  time.Time `json:"timestamp"`
	Screen     string    `json:"screen"`
}

// LineItem is one service or product on the customer's ticket.
// Amounts are in cents.
type LineItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Amount   int64  `json:"amount"`
}

// TransactionReady is published by the station when a checkout is pushed to
// the pad.
type TransactionReady struct {
	TransactionID string     `json:"transaction_id"`
	ClientName    string     `json:"client_name,omitempty"`
	Items         []LineItem `json:"items,omitempty"`
	Subtotal      int64      `json:"subtotal"`
	Tax           int64      `json:"tax"`
	Total         int64      `json:"total"`
	Timestamp     time.Time  `json:"timestamp"`
}

// PaymentResult is published by the station once the charge settles.
type PaymentResult struct {
	TransactionID string    `json:"transaction_id"`
	Approved      bool      `json:"approved"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// CancelEvent aborts the active transaction from the station side.
type CancelEvent struct {
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// StaffOverride jumps the flow forward without the normal customer input.
// Used for skip-tip, skip-signature and force-complete events.
type StaffOverride struct {
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// TipSelected carries the customer's tip choice.
type TipSelected struct {
	TransactionID string    `json:"transaction_id"`
	TipAmount     int64     `json:"tip_amount"`
	TipPercent    float64   `json:"tip_percent,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SignatureCaptured carries the customer's signature as encoded stroke data.
type SignatureCaptured struct {
	TransactionID string    `json:"transaction_id"`
	Signature     string    `json:"signature"`
	Timestamp     time.Time `json:"timestamp"`
}

// ReceiptPreference records how the customer wants their receipt delivered.
type ReceiptPreference struct {
	TransactionID string    `json:"transaction_id"`
	Preference    string    `json:"preference"`
	Email         string    `json:"email,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// TransactionComplete signals that the pad-side flow finished.
type TransactionComplete struct {
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// HelpRequested is a customer call for staff attention.
type HelpRequested struct {
	TransactionID string    `json:"transaction_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SplitPaymentRequested asks the station to split the charge.
type SplitPaymentRequested struct {
	TransactionID string    `json:"transaction_id"`
	Parts         int       `json:"parts"`
	Timestamp     time.Time `json:"timestamp"`
}

// ScreenSync mirrors the pad's visible screen to the station operator view.
type ScreenSync struct {
	Screen        string    `json:"screen"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// UnpairNotice is a targeted instruction to drop the local pairing.
type UnpairNotice struct {
	DeviceID  string    `json:"device_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
