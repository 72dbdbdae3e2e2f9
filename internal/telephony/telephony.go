package telephony

import (
	"log"
	"sync"

	"teleclinic-engine/internal/models"
)

// Sink is the native telephony surface. ReportIncoming renders the
// system call UI for a session; End dismisses it. Answer/end decisions
// made by the user come back through the session controller, not
// through this interface.
type Sink interface {
	ReportIncoming(session models.CallSession) error
	End() error
}

// Loopback is an in-process sink used by the default binary and tests.
// It records what was reported so operators can inspect it, and
// delivers the end callback a real platform sink would.
type Loopback struct {
	mu       sync.Mutex
	reported []models.CallSession
	ended    int
	onEnded  func()
}

func NewLoopback() *Loopback { return &Loopback{} }

// OnEnded registers the callback fired after every End, mirroring the
// platform's end notification.
func (l *Loopback) OnEnded(fn func()) {
	l.mu.Lock()
	l.onEnded = fn
	l.mu.Unlock()
}

func (l *Loopback) ReportIncoming(session models.CallSession) error {
	l.mu.Lock()
	l.reported = append(l.reported, session)
	l.mu.Unlock()
	log.Printf("[Telephony] Incoming call reported: %s (%s)", session.DisplayName, session.CallerID)
	return nil
}

func (l *Loopback) End() error {
	l.mu.Lock()
	l.ended++
	fn := l.onEnded
	l.mu.Unlock()

	log.Printf("[Telephony] Call UI dismissed")
	if fn != nil {
		fn()
	}
	return nil
}

// Reported returns a copy of every session handed to ReportIncoming.
func (l *Loopback) Reported() []models.CallSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.CallSession, len(l.reported))
	copy(out, l.reported)
	return out
}

// EndCount returns how many times the call UI was dismissed.
func (l *Loopback) EndCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ended
}
