package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/domain/patient"
	"github.com/ehr/clinic/internal/platform/kvstore"
	"github.com/ehr/clinic/pkg/apperr"
)

var (
	ErrSessionNotFound    = apperr.NotFound("scheduling session not found or expired")
	ErrSuspensionNotFound = apperr.NotFound("patient registration expired, start the lookup again")
)

// PatientRegistrar registers the patient created during the detour.
type PatientRegistrar interface {
	CreateOrResolve(ctx context.Context, in patient.CreateInput) (*patient.Patient, error)
}

// SessionView is what clients see of a scheduling session.
type SessionView struct {
	ID                uuid.UUID    `json:"id"`
	State             State        `json:"state"`
	Draft             Draft        `json:"draft"`
	Slots             []TimeSlot   `json:"slots"`
	UnmatchedIdentity string       `json:"unmatched_identity,omitempty"`
	SuspensionToken   *uuid.UUID   `json:"suspension_token,omitempty"`
	Appointment       *Appointment `json:"appointment,omitempty"`
}

// Sessions keeps one Workflow per client session in a kvstore. Calls on
// the same session are serialized within this process.
type Sessions struct {
	store    kvstore.Store
	ttl      time.Duration
	deps     Deps
	patients PatientRegistrar
	logger   zerolog.Logger
	locks    *keyedMutex
}

func NewSessions(store kvstore.Store, ttl time.Duration, deps Deps, patients PatientRegistrar, logger zerolog.Logger) *Sessions {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Sessions{
		store:    store,
		ttl:      ttl,
		deps:     deps,
		patients: patients,
		logger:   logger.With().Str("component", "scheduling_sessions").Logger(),
		locks:    newKeyedMutex(),
	}
}

func sessionKey(id uuid.UUID) string { return "session:" + id.String() }
func suspensionKey(t uuid.UUID) string { return "suspension:" + t.String() }

func (s *Sessions) load(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	raw, err := s.store.Get(ctx, sessionKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, apperr.Transient("session store unavailable", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, apperr.Internal("corrupt scheduling session", err)
	}
	w, err := RestoreWorkflow(s.deps, snap)
	if err != nil {
		return nil, apperr.Internal("corrupt scheduling session", err)
	}
	return w, nil
}

func (s *Sessions) save(ctx context.Context, id uuid.UUID, w *Workflow) error {
	raw, err := json.Marshal(w.Snapshot())
	if err != nil {
		return apperr.Internal("encode scheduling session", err)
	}
	if err := s.store.Put(ctx, sessionKey(id), raw, s.ttl); err != nil {
		return apperr.Transient("session store unavailable", err)
	}
	return nil
}

func view(id uuid.UUID, w *Workflow) *SessionView {
	v := &SessionView{
		ID:                id,
		State:             w.State(),
		Draft:             w.Draft(),
		Slots:             w.Slots(),
		UnmatchedIdentity: w.UnmatchedIdentity(),
		Appointment:       w.Appointment(),
	}
	if sus, ok := w.Suspension(); ok {
		tok := sus.Token
		v.SuspensionToken = &tok
	}
	return v
}

// Start opens a session booking at centroID.
func (s *Sessions) Start(ctx context.Context, centroID uuid.UUID) (*SessionView, error) {
	if centroID == uuid.Nil {
		return nil, apperr.Validation("centro_id is required")
	}
	id := uuid.New()
	w := NewWorkflow(s.deps, centroID)
	if err := s.save(ctx, id, w); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("session_id", id.String()).Msg("scheduling session started")
	return view(id, w), nil
}

func (s *Sessions) Get(ctx context.Context, id uuid.UUID) (*SessionView, error) {
	w, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return view(id, w), nil
}

// Apply runs fn against the session's workflow and stores the result. The
// workflow is stored even when fn fails, since a failed commit moves it
// back to slot selection.
func (s *Sessions) Apply(ctx context.Context, id uuid.UUID, fn func(w *Workflow) error) (*SessionView, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	w, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	ferr := fn(w)
	if err := s.save(ctx, id, w); err != nil {
		return nil, err
	}
	if ferr != nil {
		return nil, ferr
	}
	return view(id, w), nil
}

// Commit books the session's draft. The booking ID is stored with the
// session before the appointment is written, so when saving the committed
// session fails the retry returns the same appointment instead of a
// conflict with it.
func (s *Sessions) Commit(ctx context.Context, id uuid.UUID) (*SessionView, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	w, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := w.PrepareCommit(); err != nil {
		return nil, err
	}
	if err := s.save(ctx, id, w); err != nil {
		return nil, err
	}
	a, cerr := w.Commit(ctx)
	if err := s.save(ctx, id, w); err != nil {
		if cerr == nil {
			s.logger.Warn().
				Str("session_id", id.String()).
				Str("appointment_id", a.ID.String()).
				Msg("appointment booked but session not saved")
		}
		return nil, err
	}
	if cerr != nil {
		return nil, cerr
	}
	return view(id, w), nil
}

// Discard drops a session together with any pending registration.
func (s *Sessions) Discard(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.lock(id)
	defer unlock()

	w, err := s.load(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sus, ok := w.Suspension(); ok {
		if err := s.store.Delete(ctx, suspensionKey(sus.Token)); err != nil {
			return apperr.Transient("session store unavailable", err)
		}
	}
	if err := s.store.Delete(ctx, sessionKey(id)); err != nil {
		return apperr.Transient("session store unavailable", err)
	}
	return nil
}

// Suspend leaves for patient registration and parks the suspension in the
// store until Resume hands it back.
func (s *Sessions) Suspend(ctx context.Context, id uuid.UUID) (*SessionView, Suspension, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	w, err := s.load(ctx, id)
	if err != nil {
		return nil, Suspension{}, err
	}
	sus, err := w.RequestPatientCreation()
	if err != nil {
		return nil, Suspension{}, err
	}
	raw, err := json.Marshal(sus)
	if err != nil {
		return nil, Suspension{}, apperr.Internal("encode suspension", err)
	}
	if err := s.store.Put(ctx, suspensionKey(sus.Token), raw, s.ttl); err != nil {
		return nil, Suspension{}, apperr.Transient("session store unavailable", err)
	}
	if err := s.save(ctx, id, w); err != nil {
		return nil, Suspension{}, err
	}
	s.logger.Info().
		Str("session_id", id.String()).
		Str("token", sus.Token.String()).
		Msg("booking suspended for patient registration")
	return view(id, w), sus, nil
}

// Resume registers the patient and returns to patient binding with the
// parked draft. An empty RUT in the input is taken from the failed lookup;
// a different one is rejected.
func (s *Sessions) Resume(ctx context.Context, id, token uuid.UUID, in patient.CreateInput) (*SessionView, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	w, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := w.require(StateCreatingPatient); err != nil {
		return nil, err
	}
	if cur, ok := w.Suspension(); !ok || cur.Token != token {
		return nil, ErrSuspensionMismatch
	}

	raw, err := s.store.Get(ctx, suspensionKey(token))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrSuspensionNotFound
	}
	if err != nil {
		return nil, apperr.Transient("session store unavailable", err)
	}
	var sus Suspension
	if err := json.Unmarshal(raw, &sus); err != nil {
		return nil, apperr.Internal("corrupt suspension", err)
	}

	if in.RUT == "" {
		in.RUT = patient.FormatRUT(sus.IdentityKey)
	} else if patient.NormalizeIdentity(in.RUT) != sus.IdentityKey {
		return nil, apperr.Validation("rut %s does not match the identifier that was looked up", in.RUT)
	}
	p, err := s.patients.CreateOrResolve(ctx, in)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.Take(ctx, suspensionKey(token)); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return nil, apperr.Transient("session store unavailable", err)
	}
	if err := w.ResumeWithPatient(sus, p); err != nil {
		return nil, err
	}
	if err := s.save(ctx, id, w); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("session_id", id.String()).
		Str("patient_id", p.ID.String()).
		Msg("booking resumed with registered patient")
	return view(id, w), nil
}

// Cancel steps the workflow back from the step named by from. Abandoning
// patient registration also drops the parked suspension.
func (s *Sessions) Cancel(ctx context.Context, id uuid.UUID, from State) (*SessionView, error) {
	if !from.valid() {
		return nil, apperr.Validation("unknown step %q", from)
	}
	return s.Apply(ctx, id, func(w *Workflow) error {
		sus, parked := w.Suspension()
		w.Cancel(from)
		if parked && w.State() != StateCreatingPatient {
			// The cancel stands either way; an orphaned suspension expires
			// with its TTL.
			if err := s.store.Delete(ctx, suspensionKey(sus.Token)); err != nil {
				s.logger.Warn().Err(err).
					Str("session_id", id.String()).
					Msg("could not drop suspension")
			}
		}
		return nil
	})
}

// keyedMutex hands out one mutex per session, released when no caller
// holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*refLock)}
}

func (k *keyedMutex) lock(id uuid.UUID) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
