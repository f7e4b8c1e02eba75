// Package memstore keeps participant rows and signals in process memory. It
// backs tests and single-instance deployments.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/voice-call/internal/models"
	"github.com/mossy-p/voice-call/internal/store"
)

type rowKey struct{ room, user string }

type Store struct {
	mu      sync.Mutex
	rows    map[rowKey]*models.Participant
	signals map[string]models.Signal

	rosterSubs map[string]map[*store.Feed[models.RosterEvent]]struct{}
	inboxSubs  map[rowKey]map[*store.Feed[string]]struct{}
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		rows:       make(map[rowKey]*models.Participant),
		signals:    make(map[string]models.Signal),
		rosterSubs: make(map[string]map[*store.Feed[models.RosterEvent]]struct{}),
		inboxSubs:  make(map[rowKey]map[*store.Feed[string]]struct{}),
	}
}

func (s *Store) Participants() store.ParticipantStore { return participants{s} }

func (s *Store) Signals() store.SignalStore { return signals{s} }

func (s *Store) Close() error { return nil }

// SignalCount reports how many undelivered signals are held for roomID.
func (s *Store) SignalCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sig := range s.signals {
		if sig.RoomID == roomID {
			n++
		}
	}
	return n
}

// RowCount reports how many participant rows exist for (roomID, userID).
// A row is unique per pair, so the answer is 0 or 1.
func (s *Store) RowCount(roomID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[rowKey{roomID, userID}]; ok {
		return 1
	}
	return 0
}

// publishRoster must be called with s.mu held.
func (s *Store) publishRoster(kind models.RosterEventKind, p *models.Participant) {
	ev := models.RosterEvent{Kind: kind, Participant: *p}
	for f := range s.rosterSubs[p.RoomID] {
		f.Push(ev)
	}
}

type participants struct{ s *Store }

func (ps participants) Insert(_ context.Context, p *models.Participant) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()

	k := rowKey{p.RoomID, p.UserID}
	if _, ok := s.rows[k]; ok {
		return store.ErrConflict
	}
	row := *p
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	p.ID = row.ID
	s.rows[k] = &row
	s.publishRoster(models.RosterInserted, &row)
	return nil
}

func (ps participants) Reactivate(_ context.Context, p *models.Participant) error {
	return ps.update(p.RoomID, p.UserID, func(row *models.Participant) {
		row.IsActive = true
		row.IsMuted = false
		row.LeftAt = nil
		row.Username = p.Username
		row.AvatarURL = p.AvatarURL
		if !p.JoinedAt.IsZero() {
			row.JoinedAt = p.JoinedAt
		}
	})
}

func (ps participants) SetMuted(_ context.Context, roomID, userID string, muted bool) error {
	return ps.update(roomID, userID, func(row *models.Participant) {
		row.IsMuted = muted
	})
}

func (ps participants) Deactivate(_ context.Context, roomID, userID string, leftAt time.Time) error {
	return ps.update(roomID, userID, func(row *models.Participant) {
		row.IsActive = false
		t := leftAt
		row.LeftAt = &t
	})
}

func (ps participants) update(roomID, userID string, fn func(*models.Participant)) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[rowKey{roomID, userID}]
	if !ok {
		return store.ErrNotFound
	}
	fn(row)
	s.publishRoster(models.RosterUpdated, row)
	return nil
}

func (ps participants) Get(_ context.Context, roomID, userID string) (*models.Participant, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[rowKey{roomID, userID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (ps participants) ListActive(_ context.Context, roomID string) ([]models.Participant, error) {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Participant
	for k, row := range s.rows {
		if k.room == roomID && row.IsActive {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (ps participants) WatchRoster(ctx context.Context, roomID string) (<-chan models.RosterEvent, error) {
	s := ps.s
	f := store.NewFeed[models.RosterEvent](ctx, nil)

	s.mu.Lock()
	subs, ok := s.rosterSubs[roomID]
	if !ok {
		subs = make(map[*store.Feed[models.RosterEvent]]struct{})
		s.rosterSubs[roomID] = subs
	}
	subs[f] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.rosterSubs[roomID], f)
		if len(s.rosterSubs[roomID]) == 0 {
			delete(s.rosterSubs, roomID)
		}
		s.mu.Unlock()
	}()
	return f.Out(), nil
}

type signals struct{ s *Store }

func (ss signals) Insert(_ context.Context, sig *models.Signal) error {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	s.signals[sig.ID] = *sig
	for f := range s.inboxSubs[rowKey{sig.RoomID, sig.ToUserID}] {
		f.Push(sig.ID)
	}
	return nil
}

// take removes and returns a signal. A signal purged before delivery is
// reported as missing.
func (s *Store) take(id string) (models.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if ok {
		delete(s.signals, id)
	}
	return sig, ok
}

func (ss signals) WatchInbound(ctx context.Context, roomID, userID string) (<-chan models.Signal, error) {
	s := ss.s
	k := rowKey{roomID, userID}
	ids := store.NewFeed[string](ctx, nil)

	s.mu.Lock()
	subs, ok := s.inboxSubs[k]
	if !ok {
		subs = make(map[*store.Feed[string]]struct{})
		s.inboxSubs[k] = subs
	}
	subs[ids] = struct{}{}
	s.mu.Unlock()

	out := make(chan models.Signal)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.inboxSubs[k], ids)
			if len(s.inboxSubs[k]) == 0 {
				delete(s.inboxSubs, k)
			}
			s.mu.Unlock()
		}()
		for id := range ids.Out() {
			sig, ok := s.take(id)
			if !ok {
				continue
			}
			select {
			case out <- sig:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (ss signals) DeleteForUser(_ context.Context, roomID, userID string) (int64, error) {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, sig := range s.signals {
		if sig.RoomID == roomID && sig.Involves(userID) {
			delete(s.signals, id)
			n++
		}
	}
	return n, nil
}
