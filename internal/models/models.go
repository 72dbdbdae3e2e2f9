package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CallState represents the lifecycle state of a consultation call
type CallState string

const (
	StateIdle      CallState = "IDLE"
	StateIncoming  CallState = "INCOMING"
	StateConnected CallState = "CONNECTED"
	StateEnded     CallState = "ENDED"
)

// ChannelState represents the realtime channel connection state
type ChannelState string

const (
	ChannelDisconnected ChannelState = "DISCONNECTED"
	ChannelConnecting   ChannelState = "CONNECTING"
	ChannelConnected    ChannelState = "CONNECTED"
	ChannelError        ChannelState = "ERROR"
)

// CallAction is the audit action reported for a call lifecycle decision
type CallAction string

const (
	ActionAccepted CallAction = "ACCEPTED"
	ActionRejected CallAction = "REJECTED"
)

// CallSession is the single active or ringing consultation call.
// At most one session is in INCOMING or CONNECTED state at any time;
// calls arriving meanwhile are held as PendingCallEntry.
type CallSession struct {
	CallerID      string    `json:"caller_id"`
	DisplayName   string    `json:"display_name"`
	CallType      string    `json:"call_type"`
	ScriptID      int64     `json:"script_id,omitempty"`
	ScriptUUID    string    `json:"script_uuid,omitempty"`
	ClinicSlug    string    `json:"clinic_slug,omitempty"`
	ClinicName    string    `json:"clinic_name,omitempty"`
	RoomID        string    `json:"room_id,omitempty"`
	RoomName      string    `json:"room_name,omitempty"`
	ConferenceURL string    `json:"conference_url,omitempty"`
	State         CallState `json:"state"`
	StartTime     time.Time `json:"start_time"`
}

// PendingCallEntry is a call that arrived while another session was active
type PendingCallEntry struct {
	PhoneNumber   string    `json:"phone_number"`
	DisplayName   string    `json:"display_name"`
	CallType      string    `json:"call_type"`
	RoomID        string    `json:"room_id,omitempty"`
	RoomName      string    `json:"room_name,omitempty"`
	ScriptID      int64     `json:"script_id,omitempty"`
	ScriptUUID    string    `json:"script_uuid,omitempty"`
	ClinicSlug    string    `json:"clinic_slug,omitempty"`
	ClinicName    string    `json:"clinic_name,omitempty"`
	ConferenceURL string    `json:"conference_url,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// QueueItem is one waiting-patient entry in the local queue mirror.
// ResolvedID is assigned once and never recomputed for the life of the
// entry; no two items in the mirror share a non-empty ScriptUUID, a
// positive ScriptID, or a ResolvedID.
type QueueItem struct {
	ResolvedID   string    `json:"resolved_id"`
	PatientName  string    `json:"patient_name"`
	Clinic       string    `json:"clinic"`
	CreatedAt    time.Time `json:"created_at"`
	ClinicSlug   string    `json:"clinic_slug,omitempty"`
	ScriptID     int64     `json:"script_id,omitempty"`
	ScriptUUID   string    `json:"script_uuid,omitempty"`
	ScriptNumber string    `json:"script_number,omitempty"`
	RoomName     string    `json:"room_name,omitempty"`
}

// DoctorIdentity is the durable identity of the signed-in doctor
type DoctorIdentity struct {
	UserID   int64  `json:"doctor_user_id"`
	UserUUID string `json:"doctor_user_uuid"`
}

// Complete reports whether both identity halves are known
func (d DoctorIdentity) Complete() bool {
	return d.UserID > 0 && d.UserUUID != ""
}

// FlexInt decodes a JSON number that some backends send as a quoted
// string ("42") and others as a bare integer (42).
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("flexint: %q is not an integer", s)
	}
	*f = FlexInt(v)
	return nil
}

func (f FlexInt) Int64() int64 { return int64(f) }

// PushPayload is the wake-up push body delivered out of band when a
// patient starts a consultation call.
type PushPayload struct {
	CallerID       string          `json:"caller_id"`
	AdditionalData *PushCallDetail `json:"additional_data"`
}

// PushCallDetail carries call routing details inside the push payload
type PushCallDetail struct {
	CallerName    string  `json:"caller_name"`
	CallType      string  `json:"call_type"`
	RoomID        string  `json:"room_id"`
	RoomName      string  `json:"room_name"`
	CallHistoryID FlexInt `json:"call_history_id"`
	ConferenceURL string  `json:"conference_url"`
	ScriptID      FlexInt `json:"script_id"`
	ScriptUUID    string  `json:"script_uuid"`
	ClinicSlug    string  `json:"clinic_slug"`
	ClinicName    string  `json:"clinic_name"`
}

// Malformed reports whether the push lacks the fields needed to present
// a proper call. Malformed pushes are still reported to the native sink
// and then ended immediately; the platform penalizes unreported wake-ups.
func (p PushPayload) Malformed() bool {
	return p.AdditionalData == nil || strings.TrimSpace(p.AdditionalData.CallerName) == ""
}

// Session builds the CallSession a push describes
func (p PushPayload) Session() CallSession {
	s := CallSession{
		CallerID: p.CallerID,
		State:    StateIncoming,
	}
	if d := p.AdditionalData; d != nil {
		s.DisplayName = d.CallerName
		s.CallType = d.CallType
		s.RoomID = d.RoomID
		s.RoomName = d.RoomName
		s.ConferenceURL = d.ConferenceURL
		s.ScriptID = d.ScriptID.Int64()
		s.ScriptUUID = d.ScriptUUID
		s.ClinicSlug = d.ClinicSlug
		s.ClinicName = d.ClinicName
	}
	return s
}

// EventQueueMutation is the only realtime event this engine unwraps;
// every other event type is acknowledged silently.
const EventQueueMutation = "queue.mutation"

// Envelope is the realtime channel frame. Data may itself be a JSON
// string holding JSON (double-encoded payload).
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Queue mutation actions
const (
	QueueActionAdd    = "add"
	QueueActionRemove = "remove"
	QueueActionUpdate = "update"
)

// QueueEvent is the body of a queue-mutation realtime event
type QueueEvent struct {
	Action       string  `json:"action"`
	DoctorUserID FlexInt `json:"doctor_user_id"`
	ScriptID     FlexInt `json:"script_id"`
	ScriptUUID   string  `json:"script_uuid,omitempty"`
	ScriptNumber string  `json:"script_number,omitempty"`
	UUID         string  `json:"uuid,omitempty"`
	ID           string  `json:"id,omitempty"`
	CallerName   string  `json:"caller_name,omitempty"`
	ClinicName   string  `json:"clinic_name,omitempty"`
	ClinicSlug   string  `json:"clinic_slug,omitempty"`
	RoomName     string  `json:"room_name,omitempty"`
	Timestamp    string  `json:"timestamp,omitempty"`
}

// QueueRecord is one waiting-patient record as returned by the pull API
type QueueRecord struct {
	ScriptID     FlexInt   `json:"script_id"`
	ScriptUUID   string    `json:"script_uuid"`
	ScriptNumber string    `json:"script_number"`
	UUID         string    `json:"uuid"`
	ID           string    `json:"id"`
	CallerName   string    `json:"caller_name"`
	ClinicName   string    `json:"clinic_name"`
	ClinicSlug   string    `json:"clinic_slug"`
	RoomName     string    `json:"room_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// CallActionRequest is the remote audit body for call decisions
type CallActionRequest struct {
	ScriptID       int64      `json:"script_id"`
	ClinicSlug     string     `json:"clinic_slug"`
	ScriptUUID     string     `json:"script_uuid,omitempty"`
	Action         CallAction `json:"action"`
	DoctorUserID   int64      `json:"doctor_user_id"`
	DoctorUserUUID string     `json:"doctor_user_uuid"`
}

// QueueRemovalRequest is the pull-API body for a user-initiated removal
type QueueRemovalRequest struct {
	DoctorUserID   int64  `json:"doctor_user_id"`
	DoctorUserUUID string `json:"doctor_user_uuid"`
	ClinicID       int64  `json:"clinic_id"`
	ScriptID       int64  `json:"script_id"`
	ClinicName     string `json:"clinic_name"`
	CallerName     string `json:"caller_name"`
	ScriptUUID     string `json:"script_uuid"`
	RoomName       string `json:"room_name"`
}
