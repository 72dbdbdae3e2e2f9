package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"teleclinic-engine/internal/callq"
	"teleclinic-engine/internal/identity"
	"teleclinic-engine/internal/meeting"
	"teleclinic-engine/internal/models"
	"teleclinic-engine/internal/notify"
	"teleclinic-engine/internal/telephony"
	"teleclinic-engine/pkg/utils"
)

// AuditReporter sends accept/reject decisions to the remote audit
// endpoint. Failures are logged and never block the call lifecycle.
type AuditReporter interface {
	ReportCallAction(ctx context.Context, r models.CallActionRequest) error
}

type CredentialSource interface {
	Identity() (models.DoctorIdentity, bool)
}

// Controller owns the lifecycle of the single active call. Wake-up
// pushes enter here; answer/end callbacks from the native telephony
// layer drive the transitions; the queue reconciler calls in to end a
// session whose consultation was remotely cancelled.
type Controller struct {
	mu          sync.Mutex
	current     models.CallSession
	handingOff  bool
	phantomEnds int

	pending  *callq.Queue
	sink     telephony.Sink
	launcher meeting.Launcher
	audit    AuditReporter
	creds    CredentialSource
	notifier notify.Sink
}

func NewController(pending *callq.Queue, sink telephony.Sink, launcher meeting.Launcher, audit AuditReporter, creds CredentialSource, notifier notify.Sink) *Controller {
	if notifier == nil {
		notifier = notify.LogSink{}
	}
	return &Controller{
		current:  models.CallSession{State: models.StateIdle},
		pending:  pending,
		sink:     sink,
		launcher: launcher,
		audit:    audit,
		creds:    creds,
		notifier: notifier,
	}
}

// HandlePush processes one wake-up push. A malformed push (missing
// caller name) is still reported to the native sink and then ended
// immediately; the hosting platform penalizes unreported wake-ups. A
// push arriving while a session is ringing or connected is queued.
func (c *Controller) HandlePush(p models.PushPayload) error {
	if p.Malformed() {
		utils.PushesProcessed.WithLabelValues("malformed").Inc()
		log.Printf("[Session] Malformed push for caller %q, report-then-end", p.CallerID)

		s := p.Session()
		s.DisplayName = "Unknown caller"
		if err := c.sink.ReportIncoming(s); err != nil {
			log.Printf("[Session] Report of malformed push failed: %v", err)
		}
		// This end belongs to the phantom call just reported, not to
		// whatever session may be active; its callback must not run
		// the end transition.
		c.mu.Lock()
		c.phantomEnds++
		c.mu.Unlock()
		if err := c.sink.End(); err != nil {
			log.Printf("[Session] End of malformed push failed: %v", err)
		}
		return nil
	}

	c.mu.Lock()
	if c.current.State == models.StateIncoming || c.current.State == models.StateConnected {
		c.mu.Unlock()
		utils.PushesProcessed.WithLabelValues("queued").Inc()
		c.pending.Enqueue(entryFromPush(p))
		return nil
	}

	s := p.Session()
	s.StartTime = time.Now()
	if err := c.sink.ReportIncoming(s); err != nil {
		c.mu.Unlock()
		utils.PushesProcessed.WithLabelValues("report_failed").Inc()
		return fmt.Errorf("session: native report failed: %w", err)
	}
	c.current = s
	c.mu.Unlock()

	utils.ActiveCall.Set(1)
	utils.PushesProcessed.WithLabelValues("presented").Inc()
	log.Printf("[Session] Incoming call from %s (script %d)", s.DisplayName, s.ScriptID)
	return nil
}

// HandleAnswer is the native "answer" callback. The call is audited as
// accepted, the video meeting is launched and the native call UI is
// ended as an internal hand-off, which must not be audited as a
// rejection.
func (c *Controller) HandleAnswer() error {
	c.mu.Lock()
	if c.current.State != models.StateIncoming {
		c.mu.Unlock()
		return fmt.Errorf("session: answer with no incoming call")
	}
	c.current.State = models.StateConnected
	c.handingOff = true
	s := c.current
	c.mu.Unlock()

	c.report(models.ActionAccepted, s)

	room := ResolveRoomName(s)
	if err := c.launcher.Launch(room, s.ConferenceURL); err != nil {
		log.Printf("[Session] Meeting launch failed for room %q: %v", room, err)
		c.notifier.Notify("Video session failed", "Could not start the video consultation")
	}

	if err := c.sink.End(); err != nil {
		log.Printf("[Session] Hand-off end failed: %v", err)
	}
	return nil
}

// HandleEnd is the native "end" callback, fired both for user hang-ups
// and for the internal hand-off end issued by HandleAnswer. Only the
// former is audited as rejected. Afterwards the next pending call, if
// any, is presented.
func (c *Controller) HandleEnd() {
	c.mu.Lock()
	if c.phantomEnds > 0 {
		c.phantomEnds--
		c.mu.Unlock()
		return
	}
	if c.current.State == models.StateIdle {
		c.mu.Unlock()
		return
	}
	wasHandoff := c.handingOff
	c.handingOff = false
	ended := c.current
	ended.State = models.StateEnded
	c.current = models.CallSession{State: models.StateIdle}
	c.mu.Unlock()

	utils.ActiveCall.Set(0)
	log.Printf("[Session] Call with %s ended (handoff=%v)", ended.DisplayName, wasHandoff)

	if !wasHandoff {
		c.report(models.ActionRejected, ended)
	}

	if next := c.pending.DequeueNext(); next != nil {
		if err := c.HandlePush(pushFromEntry(*next)); err != nil {
			log.Printf("[Session] Presenting queued call from %s failed: %v", next.DisplayName, err)
		}
	}
}

// EndActiveForScript ends the current session when its consultation
// was remotely removed. The sink's end callback drives the actual
// transition, same as every other end path, so a platform that
// delivers the callback for our own End never runs the transition
// twice. Returns true when an end was requested.
func (c *Controller) EndActiveForScript(scriptID int64) bool {
	c.mu.Lock()
	active := c.current.State == models.StateIncoming || c.current.State == models.StateConnected
	match := active && scriptID > 0 && c.current.ScriptID == scriptID
	c.mu.Unlock()

	if !match {
		return false
	}

	log.Printf("[Session] Remote removal for script %d, ending active call", scriptID)
	if err := c.sink.End(); err != nil {
		log.Printf("[Session] Native end failed: %v", err)
	}
	return true
}

// Snapshot returns a copy of the current session for observers.
func (c *Controller) Snapshot() models.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) report(action models.CallAction, s models.CallSession) {
	ident, _ := c.creds.Identity()
	req := models.CallActionRequest{
		ScriptID:       s.ScriptID,
		ClinicSlug:     s.ClinicSlug,
		ScriptUUID:     s.ScriptUUID,
		Action:         action,
		DoctorUserID:   ident.UserID,
		DoctorUserUUID: ident.UserUUID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.audit.ReportCallAction(ctx, req); err != nil {
		log.Printf("[Session] Audit %s for script %d failed: %v", action, s.ScriptID, err)
	}
}

// ResolveRoomName picks the meeting room for an accepted call. First
// non-empty wins: room name, room id, script uuid, composed script id,
// caller phone number.
func ResolveRoomName(s models.CallSession) string {
	if s.RoomName != "" {
		return s.RoomName
	}
	if s.RoomID != "" {
		return s.RoomID
	}
	if s.ScriptUUID != "" {
		return s.ScriptUUID
	}
	if s.ScriptID > 0 {
		return identity.Composed(s.ScriptID)
	}
	return s.CallerID
}

func entryFromPush(p models.PushPayload) models.PendingCallEntry {
	s := p.Session()
	return models.PendingCallEntry{
		PhoneNumber:   s.CallerID,
		DisplayName:   s.DisplayName,
		CallType:      s.CallType,
		RoomID:        s.RoomID,
		RoomName:      s.RoomName,
		ScriptID:      s.ScriptID,
		ScriptUUID:    s.ScriptUUID,
		ClinicSlug:    s.ClinicSlug,
		ClinicName:    s.ClinicName,
		ConferenceURL: s.ConferenceURL,
		EnqueuedAt:    time.Now(),
	}
}

func pushFromEntry(e models.PendingCallEntry) models.PushPayload {
	return models.PushPayload{
		CallerID: e.PhoneNumber,
		AdditionalData: &models.PushCallDetail{
			CallerName:    e.DisplayName,
			CallType:      e.CallType,
			RoomID:        e.RoomID,
			RoomName:      e.RoomName,
			ConferenceURL: e.ConferenceURL,
			ScriptID:      models.FlexInt(e.ScriptID),
			ScriptUUID:    e.ScriptUUID,
			ClinicSlug:    e.ClinicSlug,
			ClinicName:    e.ClinicName,
		},
	}
}
