package reconciler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"teleclinic-engine/internal/identity"
	"teleclinic-engine/internal/models"
	"teleclinic-engine/internal/notify"
	"teleclinic-engine/pkg/utils"
)

// PullAPI is the authoritative queue backend this mirror re-syncs
// against.
type PullAPI interface {
	FetchQueue(ctx context.Context) ([]models.QueueRecord, error)
	RemoveQueueEntry(ctx context.Context, r models.QueueRemovalRequest) (bool, error)
}

// SessionCorrelator lets a remote removal end the active call for the
// same consultation.
type SessionCorrelator interface {
	EndActiveForScript(scriptID int64) bool
}

type CredentialSource interface {
	Identity() (models.DoctorIdentity, bool)
}

const defaultSweepInterval = 60 * time.Second

// Reconciler owns the local mirror of the server-side waiting-patient
// queue. All mutation goes through its lock; observers only ever see
// immutable snapshots taken after a mutation completed.
type Reconciler struct {
	mu            sync.Mutex
	mirror        []models.QueueItem
	lastUpdateSig string

	api      PullAPI
	sessions SessionCorrelator
	creds    CredentialSource
	notifier notify.Sink

	obsMu     sync.Mutex
	observers []func([]models.QueueItem)

	sweepInterval time.Duration
}

func New(api PullAPI, sessions SessionCorrelator, creds CredentialSource, notifier notify.Sink) *Reconciler {
	if notifier == nil {
		notifier = notify.LogSink{}
	}
	return &Reconciler{
		api:           api,
		sessions:      sessions,
		creds:         creds,
		notifier:      notifier,
		sweepInterval: defaultSweepInterval,
	}
}

// Run performs the periodic reconciliation sweep until ctx is
// cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// HandleConnected fires on every successful channel (re)connect: dedup
// the mirror, then pull the authoritative queue to recover anything
// missed while offline.
func (r *Reconciler) HandleConnected() {
	r.Sweep()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Refresh(ctx); err != nil {
			log.Printf("[Reconciler] Refresh after connect failed: %v", err)
		}
	}()
}

// HandleQueueEvent applies one realtime queue mutation. Events for a
// different doctor are ignored entirely.
func (r *Reconciler) HandleQueueEvent(ev models.QueueEvent) {
	ident, _ := r.creds.Identity()
	if ev.DoctorUserID.Int64() != ident.UserID {
		log.Printf("[Reconciler] Ignoring %s event for doctor %d (we are %d)", ev.Action, ev.DoctorUserID.Int64(), ident.UserID)
		return
	}

	switch ev.Action {
	case models.QueueActionAdd:
		r.applyAdd(ev)
	case models.QueueActionRemove:
		r.applyRemove(ev)
	case models.QueueActionUpdate:
		r.applyUpdate(ev)
	default:
		log.Printf("[Reconciler] Unknown queue action %q ignored", ev.Action)
	}
}

// applyAdd appends optimistically; no network round-trip on this
// latency-sensitive path.
func (r *Reconciler) applyAdd(ev models.QueueEvent) {
	item := itemFromEvent(ev)

	r.mu.Lock()
	if dup := findDuplicate(r.mirror, item); dup >= 0 {
		r.mu.Unlock()
		utils.DuplicateEventsDropped.Inc()
		log.Printf("[Reconciler] Duplicate add for %s dropped", item.ResolvedID)
		return
	}
	r.mirror = append(r.mirror, item)
	utils.QueueMirrorSize.Set(float64(len(r.mirror)))
	r.mu.Unlock()

	log.Printf("[Reconciler] Added %s (%s)", item.ResolvedID, item.PatientName)
	r.publish()
}

// applyRemove deletes the matched entry. The user is always told about
// a cancellation, even when local state already diverged and nothing
// matched. Either way the active call is correlated against the event.
func (r *Reconciler) applyRemove(ev models.QueueEvent) {
	r.mu.Lock()
	idx := findRemoveTarget(r.mirror, ev)
	var removed *models.QueueItem
	if idx >= 0 {
		it := r.mirror[idx]
		removed = &it
		r.mirror = append(r.mirror[:idx], r.mirror[idx+1:]...)
		utils.QueueMirrorSize.Set(float64(len(r.mirror)))
	}
	r.mu.Unlock()

	if removed != nil {
		log.Printf("[Reconciler] Removed %s (%s)", removed.ResolvedID, removed.PatientName)
		r.notifier.Notify("Consultation cancelled", fmt.Sprintf("%s left the waiting queue", removed.PatientName))
		r.publish()
	} else {
		log.Printf("[Reconciler] Remove for unknown entry (script %d)", ev.ScriptID.Int64())
		r.notifier.Notify("Consultation cancelled", "A waiting consultation was cancelled")
	}

	if r.sessions != nil {
		r.sessions.EndActiveForScript(ev.ScriptID.Int64())
	}
}

// applyUpdate never touches the mirror directly; the server owns update
// semantics, so a refresh is triggered instead. Identical back-to-back
// updates are suppressed by signature.
func (r *Reconciler) applyUpdate(ev models.QueueEvent) {
	sig := fmt.Sprintf("%s|%s|%d|%s", ev.Action, ev.ScriptUUID, ev.ScriptID.Int64(), ev.Timestamp)

	r.mu.Lock()
	if sig == r.lastUpdateSig {
		r.mu.Unlock()
		utils.DuplicateEventsDropped.Inc()
		log.Printf("[Reconciler] Suppressing duplicate update burst (%s)", sig)
		return
	}
	r.lastUpdateSig = sig
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Refresh(ctx); err != nil {
			log.Printf("[Reconciler] Refresh for update failed: %v", err)
		}
	}()
}

// Refresh re-syncs the mirror from the pull API as one atomic replace;
// an abandoned refresh never leaves the mirror half-written. Items that
// survive the refresh keep their locally observed CreatedAt so UI
// ordering and age stay stable.
func (r *Reconciler) Refresh(ctx context.Context) error {
	records, err := r.api.FetchQueue(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: queue fetch: %w", err)
	}

	r.mu.Lock()
	fresh := make([]models.QueueItem, 0, len(records))
	for _, rec := range records {
		item := itemFromRecord(rec)
		if findDuplicate(fresh, item) >= 0 {
			utils.DuplicateEventsDropped.Inc()
			continue
		}
		if prev := findDuplicate(r.mirror, item); prev >= 0 {
			// Same entry as before: identity and first-seen time are
			// immutable for the life of the entry.
			item.ResolvedID = r.mirror[prev].ResolvedID
			item.CreatedAt = r.mirror[prev].CreatedAt
		}
		fresh = append(fresh, item)
	}
	r.mirror = fresh
	utils.QueueMirrorSize.Set(float64(len(r.mirror)))
	r.mu.Unlock()

	log.Printf("[Reconciler] Refreshed mirror, %d waiting", len(records))
	r.publish()
	return nil
}

// Sweep re-runs the three-tier duplicate check over the whole mirror,
// dropping later-seen duplicates and preserving first-seen order.
func (r *Reconciler) Sweep() {
	r.mu.Lock()
	kept := r.mirror[:0:0]
	dropped := 0
	for _, it := range r.mirror {
		if findDuplicate(kept, it) >= 0 {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	changed := dropped > 0
	r.mirror = kept
	utils.QueueMirrorSize.Set(float64(len(r.mirror)))
	r.mu.Unlock()

	if changed {
		utils.DuplicateEventsDropped.Add(float64(dropped))
		log.Printf("[Reconciler] Sweep dropped %d duplicates", dropped)
		r.publish()
	}
}

// RemoveEntry handles a user-initiated deletion: drop locally, then
// report the removal to the backend. A failed report is logged and
// corrected by the next reconciliation sweep.
func (r *Reconciler) RemoveEntry(ctx context.Context, resolvedID string) error {
	r.mu.Lock()
	idx := -1
	for i, it := range r.mirror {
		if it.ResolvedID == resolvedID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("reconciler: no queue entry %q", resolvedID)
	}
	item := r.mirror[idx]
	r.mirror = append(r.mirror[:idx], r.mirror[idx+1:]...)
	utils.QueueMirrorSize.Set(float64(len(r.mirror)))
	r.mu.Unlock()

	r.publish()

	ident, _ := r.creds.Identity()
	ok, err := r.api.RemoveQueueEntry(ctx, models.QueueRemovalRequest{
		DoctorUserID:   ident.UserID,
		DoctorUserUUID: ident.UserUUID,
		ScriptID:       item.ScriptID,
		ScriptUUID:     item.ScriptUUID,
		ClinicName:     item.Clinic,
		CallerName:     item.PatientName,
		RoomName:       item.RoomName,
	})
	if err != nil {
		log.Printf("[Reconciler] Removal report for %s failed: %v", resolvedID, err)
		return nil
	}
	if !ok {
		log.Printf("[Reconciler] Backend declined removal of %s", resolvedID)
	}
	return nil
}

// Snapshot returns a copy of the mirror in first-seen order.
func (r *Reconciler) Snapshot() []models.QueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.QueueItem, len(r.mirror))
	copy(out, r.mirror)
	return out
}

// OnChange registers a mirror observer. Observers receive a fresh
// snapshot after every completed mutation.
func (r *Reconciler) OnChange(fn func([]models.QueueItem)) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Reconciler) publish() {
	snap := r.Snapshot()

	r.obsMu.Lock()
	observers := make([]func([]models.QueueItem), len(r.observers))
	copy(observers, r.observers)
	r.obsMu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

// findDuplicate returns the index of an entry that matches item on any
// dedup tier: shared non-empty scriptUUID, shared positive scriptID, or
// shared resolved id. -1 when unique.
func findDuplicate(items []models.QueueItem, item models.QueueItem) int {
	for i, it := range items {
		if item.ScriptUUID != "" && it.ScriptUUID == item.ScriptUUID {
			return i
		}
		if item.ScriptID > 0 && it.ScriptID == item.ScriptID {
			return i
		}
		if it.ResolvedID == item.ResolvedID {
			return i
		}
	}
	return -1
}

// findRemoveTarget locates the entry a remove event refers to, falling
// back to composed-id matching when the event carries only a numeric
// script id.
func findRemoveTarget(items []models.QueueItem, ev models.QueueEvent) int {
	if ev.ScriptUUID != "" {
		for i, it := range items {
			if it.ScriptUUID == ev.ScriptUUID {
				return i
			}
		}
	}

	if sid := ev.ScriptID.Int64(); sid > 0 {
		for i, it := range items {
			if it.ScriptID == sid || identity.MatchesScriptID(it.ResolvedID, sid) {
				return i
			}
		}
	}

	if target := resolveKnown(ev); target != "" {
		for i, it := range items {
			if it.ResolvedID == target {
				return i
			}
		}
	}
	return -1
}

// resolveKnown is the §identity chain without the random last resort;
// an event with no identity fields at all cannot address anything.
func resolveKnown(ev models.QueueEvent) string {
	f := eventFields(ev)
	if f == (identity.Fields{}) {
		return ""
	}
	return identity.Resolve(f)
}

func eventFields(ev models.QueueEvent) identity.Fields {
	return identity.Fields{
		ScriptUUID:   ev.ScriptUUID,
		ScriptNumber: ev.ScriptNumber,
		ScriptID:     ev.ScriptID.Int64(),
		UUID:         ev.UUID,
		ID:           ev.ID,
	}
}

func itemFromEvent(ev models.QueueEvent) models.QueueItem {
	created := time.Now()
	if ev.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, ev.Timestamp); err == nil {
			created = ts
		}
	}
	return models.QueueItem{
		ResolvedID:   identity.Resolve(eventFields(ev)),
		PatientName:  ev.CallerName,
		Clinic:       ev.ClinicName,
		CreatedAt:    created,
		ClinicSlug:   ev.ClinicSlug,
		ScriptID:     ev.ScriptID.Int64(),
		ScriptUUID:   ev.ScriptUUID,
		ScriptNumber: ev.ScriptNumber,
		RoomName:     ev.RoomName,
	}
}

func itemFromRecord(rec models.QueueRecord) models.QueueItem {
	return models.QueueItem{
		ResolvedID: identity.Resolve(identity.Fields{
			ScriptUUID:   rec.ScriptUUID,
			ScriptNumber: rec.ScriptNumber,
			ScriptID:     rec.ScriptID.Int64(),
			UUID:         rec.UUID,
			ID:           rec.ID,
		}),
		PatientName:  rec.CallerName,
		Clinic:       rec.ClinicName,
		CreatedAt:    rec.CreatedAt,
		ClinicSlug:   rec.ClinicSlug,
		ScriptID:     rec.ScriptID.Int64(),
		ScriptUUID:   rec.ScriptUUID,
		ScriptNumber: rec.ScriptNumber,
		RoomName:     rec.RoomName,
	}
}
