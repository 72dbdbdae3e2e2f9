package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"teleclinic-engine/internal/callq"
	"teleclinic-engine/internal/models"
	"teleclinic-engine/internal/telephony"
)

type fakeAudit struct {
	mu      sync.Mutex
	actions []models.CallActionRequest
	fail    bool
}

func (f *fakeAudit) ReportCallAction(ctx context.Context, r models.CallActionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, r)
	if f.fail {
		return errors.New("audit backend down")
	}
	return nil
}

func (f *fakeAudit) recorded() []models.CallActionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.CallActionRequest, len(f.actions))
	copy(out, f.actions)
	return out
}

type fakeLauncher struct {
	mu    sync.Mutex
	rooms []string
	urls  []string
}

func (f *fakeLauncher) Launch(roomName, conferenceURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, roomName)
	f.urls = append(f.urls, conferenceURL)
	return nil
}

type fakeCreds struct{ ident models.DoctorIdentity }

func (f fakeCreds) Identity() (models.DoctorIdentity, bool) { return f.ident, f.ident.Complete() }

type nopSink struct{}

func (nopSink) Notify(title, body string) {}

type failingPhone struct{ telephony.Loopback }

func (f *failingPhone) ReportIncoming(models.CallSession) error {
	return errors.New("callkit refused")
}

func newTestController() (*Controller, *telephony.Loopback, *fakeAudit, *fakeLauncher, *callq.Queue) {
	phone := telephony.NewLoopback()
	audit := &fakeAudit{}
	launcher := &fakeLauncher{}
	pending := callq.New(nopSink{})
	ctrl := NewController(pending, phone, launcher, audit, fakeCreds{models.DoctorIdentity{UserID: 9, UserUUID: "doc-9"}}, nopSink{})
	phone.OnEnded(ctrl.HandleEnd)
	return ctrl, phone, audit, launcher, pending
}

func push(name string, scriptID int64) models.PushPayload {
	return models.PushPayload{
		CallerID: "+49301234567",
		AdditionalData: &models.PushCallDetail{
			CallerName: name,
			CallType:   "video",
			ScriptID:   models.FlexInt(scriptID),
			ClinicSlug: "city-clinic",
		},
	}
}

func TestPushPresentsIncomingCall(t *testing.T) {
	t.Parallel()

	ctrl, phone, _, _, _ := newTestController()
	if err := ctrl.HandlePush(push("Ana", 10)); err != nil {
		t.Fatalf("push: %v", err)
	}

	if got := ctrl.Snapshot().State; got != models.StateIncoming {
		t.Fatalf("expected INCOMING, got %s", got)
	}
	if len(phone.Reported()) != 1 {
		t.Fatalf("expected one native report, got %d", len(phone.Reported()))
	}
}

func TestPushDuringActiveSessionIsQueued(t *testing.T) {
	t.Parallel()

	ctrl, phone, _, _, pending := newTestController()
	if err := ctrl.HandlePush(push("Ana", 10)); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := ctrl.HandlePush(push("Boris", 11)); err != nil {
		t.Fatalf("second push: %v", err)
	}

	if got := ctrl.Snapshot(); got.DisplayName != "Ana" || got.State != models.StateIncoming {
		t.Fatalf("active session changed: %+v", got)
	}
	if pending.Depth() != 1 {
		t.Fatalf("expected one pending entry, got %d", pending.Depth())
	}
	if len(phone.Reported()) != 1 {
		t.Fatal("queued call must not reach the native sink")
	}
}

func TestAnswerAuditsAcceptedAndLaunchesMeeting(t *testing.T) {
	t.Parallel()

	ctrl, _, audit, launcher, _ := newTestController()
	p := push("Ana", 10)
	p.AdditionalData.RoomName = "room-ana"
	p.AdditionalData.ConferenceURL = "https://meet.example.org/room-ana"
	if err := ctrl.HandlePush(p); err != nil {
		t.Fatalf("push: %v", err)
	}

	if err := ctrl.HandleAnswer(); err != nil {
		t.Fatalf("answer: %v", err)
	}

	actions := audit.recorded()
	if len(actions) != 1 || actions[0].Action != models.ActionAccepted {
		t.Fatalf("expected single ACCEPTED audit, got %+v", actions)
	}
	if actions[0].DoctorUserID != 9 || actions[0].DoctorUserUUID != "doc-9" {
		t.Fatalf("audit missing doctor identity: %+v", actions[0])
	}
	if len(launcher.rooms) != 1 || launcher.rooms[0] != "room-ana" {
		t.Fatalf("launcher rooms: %v", launcher.rooms)
	}

	// The hand-off dismisses the native UI; its end callback must not
	// be audited as rejection.
	if got := audit.recorded(); len(got) != 1 {
		t.Fatalf("hand-off end produced extra audit: %+v", got)
	}
	if ctrl.Snapshot().State != models.StateIdle {
		t.Fatalf("expected IDLE after hand-off end, got %s", ctrl.Snapshot().State)
	}
}

func TestDeclineAuditsRejected(t *testing.T) {
	t.Parallel()

	ctrl, _, audit, _, _ := newTestController()
	if err := ctrl.HandlePush(push("Ana", 10)); err != nil {
		t.Fatalf("push: %v", err)
	}

	ctrl.HandleEnd()

	actions := audit.recorded()
	if len(actions) != 1 || actions[0].Action != models.ActionRejected {
		t.Fatalf("expected single REJECTED audit, got %+v", actions)
	}
}

func TestAnswerWithoutIncomingFails(t *testing.T) {
	t.Parallel()

	ctrl, _, _, _, _ := newTestController()
	if err := ctrl.HandleAnswer(); err == nil {
		t.Fatal("answer with no incoming call must fail")
	}
}

func TestPendingCallsPresentedFIFOOneAtATime(t *testing.T) {
	t.Parallel()

	ctrl, phone, _, _, _ := newTestController()
	if err := ctrl.HandlePush(push("patient-0", 100)); err != nil {
		t.Fatalf("push: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := ctrl.HandlePush(push(fmt.Sprintf("patient-%d", i), int64(100+i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	// Each end presents exactly the next queued call, in arrival order.
	for i := 1; i <= 3; i++ {
		ctrl.HandleEnd()
		got := ctrl.Snapshot()
		if got.State != models.StateIncoming {
			t.Fatalf("round %d: expected INCOMING, got %s", i, got.State)
		}
		if want := fmt.Sprintf("patient-%d", i); got.DisplayName != want {
			t.Fatalf("round %d: expected %s, got %s", i, want, got.DisplayName)
		}
	}

	ctrl.HandleEnd()
	if ctrl.Snapshot().State != models.StateIdle {
		t.Fatal("queue drained, controller should be idle")
	}
	if len(phone.Reported()) != 4 {
		t.Fatalf("expected 4 native reports total, got %d", len(phone.Reported()))
	}
}

func TestMalformedPushReportsThenEnds(t *testing.T) {
	t.Parallel()

	ctrl, phone, _, _, _ := newTestController()
	if err := ctrl.HandlePush(models.PushPayload{CallerID: "+49300000000"}); err != nil {
		t.Fatalf("malformed push: %v", err)
	}

	if len(phone.Reported()) != 1 {
		t.Fatal("malformed push must still be reported to the native sink")
	}
	if phone.EndCount() != 1 {
		t.Fatal("malformed push must be ended immediately after report")
	}
	if ctrl.Snapshot().State != models.StateIdle {
		t.Fatalf("controller must return to IDLE, got %s", ctrl.Snapshot().State)
	}
}

func TestMalformedPushDoesNotEndActiveSession(t *testing.T) {
	t.Parallel()

	ctrl, phone, _, _, _ := newTestController()
	if err := ctrl.HandlePush(push("Ana", 10)); err != nil {
		t.Fatalf("push: %v", err)
	}

	// The phantom call's end callback must not touch Ana's session.
	if err := ctrl.HandlePush(models.PushPayload{CallerID: "+49300000000"}); err != nil {
		t.Fatalf("malformed push: %v", err)
	}

	got := ctrl.Snapshot()
	if got.State != models.StateIncoming || got.DisplayName != "Ana" {
		t.Fatalf("active session lost to a malformed push: %+v", got)
	}
	if phone.EndCount() != 1 {
		t.Fatalf("phantom call must still be ended, got %d ends", phone.EndCount())
	}
}

func TestReportFailureStaysIdle(t *testing.T) {
	t.Parallel()

	phone := &failingPhone{}
	pending := callq.New(nopSink{})
	ctrl := NewController(pending, phone, &fakeLauncher{}, &fakeAudit{}, fakeCreds{}, nopSink{})

	if err := ctrl.HandlePush(push("Ana", 10)); err == nil {
		t.Fatal("expected error when native report fails")
	}
	if ctrl.Snapshot().State != models.StateIdle {
		t.Fatal("controller must stay idle on report failure")
	}
}

func TestEndActiveForScript(t *testing.T) {
	t.Parallel()

	ctrl, _, audit, _, _ := newTestController()
	if err := ctrl.HandlePush(push("Ana", 5)); err != nil {
		t.Fatalf("push: %v", err)
	}

	if ctrl.EndActiveForScript(4) {
		t.Fatal("mismatched script id must not end the session")
	}
	if !ctrl.EndActiveForScript(5) {
		t.Fatal("matching script id must end the session")
	}
	if ctrl.Snapshot().State != models.StateIdle {
		t.Fatalf("expected IDLE, got %s", ctrl.Snapshot().State)
	}
	// Remote-triggered end is still audited as rejected.
	actions := audit.recorded()
	if len(actions) != 1 || actions[0].Action != models.ActionRejected {
		t.Fatalf("expected REJECTED audit, got %+v", actions)
	}
}

func TestRemoteRemovalEndsOnlyTheActiveCall(t *testing.T) {
	t.Parallel()

	ctrl, _, audit, _, _ := newTestController()
	if err := ctrl.HandlePush(push("Ana", 5)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := ctrl.HandlePush(push("Boris", 6)); err != nil {
		t.Fatalf("queued push: %v", err)
	}

	// The removal requests one native end; the sink's end callback runs
	// the transition exactly once, ending Ana and presenting Boris.
	if !ctrl.EndActiveForScript(5) {
		t.Fatal("removal must end the matching session")
	}

	got := ctrl.Snapshot()
	if got.State != models.StateIncoming || got.DisplayName != "Boris" {
		t.Fatalf("queued call must be ringing afterwards, got %+v", got)
	}
	actions := audit.recorded()
	if len(actions) != 1 || actions[0].Action != models.ActionRejected || actions[0].ScriptID != 5 {
		t.Fatalf("expected a single REJECTED audit for script 5, got %+v", actions)
	}
}

func TestResolveRoomNameChain(t *testing.T) {
	t.Parallel()

	s := models.CallSession{
		CallerID:   "+4930555",
		RoomName:   "explicit",
		RoomID:     "room-7",
		ScriptUUID: "uuid-7",
		ScriptID:   7,
	}
	if got := ResolveRoomName(s); got != "explicit" {
		t.Fatalf("room name should win, got %q", got)
	}
	s.RoomName = ""
	if got := ResolveRoomName(s); got != "room-7" {
		t.Fatalf("room id next, got %q", got)
	}
	s.RoomID = ""
	if got := ResolveRoomName(s); got != "uuid-7" {
		t.Fatalf("script uuid next, got %q", got)
	}
	s.ScriptUUID = ""
	if got := ResolveRoomName(s); got != "script_7" {
		t.Fatalf("composed script id next, got %q", got)
	}
	s.ScriptID = 0
	if got := ResolveRoomName(s); got != "+4930555" {
		t.Fatalf("caller phone number last, got %q", got)
	}
}

func TestAuditFailureDoesNotBlockLifecycle(t *testing.T) {
	t.Parallel()

	phone := telephony.NewLoopback()
	audit := &fakeAudit{fail: true}
	pending := callq.New(nopSink{})
	ctrl := NewController(pending, phone, &fakeLauncher{}, audit, fakeCreds{}, nopSink{})

	if err := ctrl.HandlePush(push("Ana", 10)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := ctrl.HandleAnswer(); err != nil {
		t.Fatalf("answer must succeed despite audit failure: %v", err)
	}
	if ctrl.Snapshot().State != models.StateConnected {
		t.Fatalf("expected CONNECTED, got %s", ctrl.Snapshot().State)
	}
}
