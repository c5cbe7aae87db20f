package testutil

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/messaging"
	"github.com/contest-hub/contest-hub/internal/domain/outbox"
	"github.com/contest-hub/contest-hub/internal/domain/postpone"
	"github.com/contest-hub/contest-hub/internal/domain/user"
	"github.com/contest-hub/contest-hub/internal/domain/votable"
)

// Store is an in-memory backend for every repository the core uses.
type Store struct {
	mu    sync.Mutex
	clock contest.Clock

	state *contest.SystemState

	users map[int64]*user.User

	votables    map[int64]*votable.Votable
	nextVotable int64
	votes       map[voteKey]*votable.Vote

	requests    []*postpone.Request
	nextRequest int64

	events    []*outbox.Event
	nextEvent int64

	State     *StateStore
	Users     *UserRepo
	Votables  *VotableRepo
	Postpones *PostponeRepo
	Outbox    *OutboxRepo
}

type voteKey struct {
	voter   int64
	votable int64
}

func NewStore(clock contest.Clock) *Store {
	s := &Store{
		clock:    clock,
		users:    make(map[int64]*user.User),
		votables: make(map[int64]*votable.Votable),
		votes:    make(map[voteKey]*votable.Vote),
	}
	s.State = &StateStore{s: s}
	s.Users = &UserRepo{s: s}
	s.Votables = &VotableRepo{s: s}
	s.Postpones = &PostponeRepo{s: s}
	s.Outbox = &OutboxRepo{s: s}
	return s
}

// AddUser registers an active user with a private chat equal to its id.
func (s *Store) AddUser(id int64, role user.Role, balance int64) *user.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &user.User{
		ID:       id,
		ChatID:   id,
		Username: "u" + strconv.FormatInt(id, 10),
		Role:     role,
		Status:   user.StatusActive,
		Balance:  balance,
	}
	s.users[id] = u
	cp := *u
	return &cp
}

// Requests returns copies of all postpone requests in insertion order.
func (s *Store) Requests() []*postpone.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*postpone.Request, 0, len(s.requests))
	for _, r := range s.requests {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// Events returns copies of all outbox events.
func (s *Store) Events() []*outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*outbox.Event, 0, len(s.events))
	for _, e := range s.events {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Snapshot returns a copy of the system state.
func (s *Store) Snapshot() contest.SystemState {
	st, _ := s.State.GetOrCreate(context.Background())
	return *st
}

// StateStore is the in-memory contest.StateStore.
type StateStore struct{ s *Store }

func (r *StateStore) GetOrCreate(_ context.Context) (*contest.SystemState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.state == nil {
		r.s.state = contest.NewSystemState(r.s.clock.Now())
	}
	cp := *r.s.state
	return &cp, nil
}

func (r *StateStore) Update(_ context.Context, update contest.FieldUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.state == nil {
		r.s.state = contest.NewSystemState(r.s.clock.Now())
	}
	if err := update.Apply(r.s.state); err != nil {
		return err
	}
	r.s.state.UpdatedAt = r.s.clock.Now()
	return nil
}

// UserRepo is the in-memory user.Repository.
type UserRepo struct{ s *Store }

func (r *UserRepo) Upsert(_ context.Context, u *user.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.users[u.ID]; ok {
		existing.ChatID = u.ChatID
		existing.Username = u.Username
		existing.Name = u.Name
		*u = *existing
		return nil
	}
	cp := *u
	if cp.Role == "" {
		cp.Role = user.RoleMember
	}
	if cp.Status == "" {
		cp.Status = user.StatusActive
	}
	r.s.users[u.ID] = &cp
	*u = cp
	return nil
}

func (r *UserRepo) GetByID(_ context.Context, id int64) (*user.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *UserRepo) ListActiveByRoles(_ context.Context, roles ...user.Role) ([]*user.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*user.User
	for _, u := range r.s.users {
		if !u.IsActive() {
			continue
		}
		for _, role := range roles {
			if u.Role == role {
				cp := *u
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *UserRepo) SetStatus(_ context.Context, id int64, status user.Status) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u, ok := r.s.users[id]; ok {
		u.Status = status
	}
	return nil
}

func (r *UserRepo) SetRole(_ context.Context, id int64, role user.Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u, ok := r.s.users[id]; ok {
		u.Role = role
	}
	return nil
}

func (r *UserRepo) Credit(_ context.Context, id int64, amount int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.creditLocked(id, amount)
}

func (s *Store) creditLocked(id int64, amount int64) error {
	u, ok := s.users[id]
	if !ok {
		return user.ErrInsufficientBalance
	}
	if u.Balance+amount < 0 {
		return user.ErrInsufficientBalance
	}
	u.Balance += amount
	return nil
}

// VotableRepo is the in-memory votable.Repository.
type VotableRepo struct{ s *Store }

func (r *VotableRepo) Create(_ context.Context, v *votable.Votable) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextVotable++
	v.ID = r.s.nextVotable
	if v.CreatedAt.IsZero() {
		v.CreatedAt = r.s.clock.Now()
	}
	cp := *v
	r.s.votables[v.ID] = &cp
	return nil
}

func (r *VotableRepo) GetByID(_ context.Context, id int64) (*votable.Votable, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.votables[id]
	if !ok {
		return nil, nil
	}
	return cloneVotable(v), nil
}

func (r *VotableRepo) ListActive(_ context.Context, kind votable.Kind) ([]*votable.Votable, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.filterVotables(func(v *votable.Votable) bool {
		return v.Kind == kind && v.IsOpen()
	}), nil
}

func (r *VotableRepo) GetActiveByAuthor(_ context.Context, kind votable.Kind, authorID int64) (*votable.Votable, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	list := r.s.filterVotables(func(v *votable.Votable) bool {
		return v.Kind == kind && v.IsOpen() && v.AuthorID == authorID
	})
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (r *VotableRepo) GetActiveBySource(_ context.Context, source messaging.Ref) (*votable.Votable, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	list := r.s.filterVotables(func(v *votable.Votable) bool {
		return v.IsOpen() && (v.Source == source || v.Container == source)
	})
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (r *VotableRepo) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.votables, id)
	for k := range r.s.votes {
		if k.votable == id {
			delete(r.s.votes, k)
		}
	}
	return nil
}

func (r *VotableRepo) UpsertVote(_ context.Context, vote *votable.Vote) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.votables[vote.VotableID]
	if !ok {
		return false, votable.ErrNotFound
	}
	if !v.IsOpen() {
		return false, votable.ErrClosed
	}
	now := r.s.clock.Now()
	key := voteKey{voter: vote.VoterID, votable: vote.VotableID}
	if existing, ok := r.s.votes[key]; ok {
		existing.Value = vote.Value
		existing.UpdatedAt = now
		return true, nil
	}
	cp := *vote
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.s.votes[key] = &cp
	return false, nil
}

func (r *VotableRepo) HasVoteOnActive(_ context.Context, kind votable.Kind, voterID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k := range r.s.votes {
		if k.voter != voterID {
			continue
		}
		if v, ok := r.s.votables[k.votable]; ok && v.Kind == kind && v.IsOpen() {
			return true, nil
		}
	}
	return false, nil
}

func (r *VotableRepo) ListVotes(_ context.Context, votableID int64) ([]*votable.Vote, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*votable.Vote
	for k, v := range r.s.votes {
		if k.votable == votableID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoterID < out[j].VoterID })
	return out, nil
}

func (r *VotableRepo) Consolidate(_ context.Context, kind votable.Kind) ([]*votable.Votable, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sums := make(map[int64]int)
	for k, v := range r.s.votes {
		sums[k.votable] += v.Value
	}
	var sealed []*votable.Votable
	for id, v := range r.s.votables {
		if v.Kind != kind || !v.IsOpen() {
			continue
		}
		sum := sums[id]
		v.ConsolidatedVotes = &sum
		sealed = append(sealed, cloneVotable(v))
	}
	sort.Slice(sealed, func(i, j int) bool { return sealed[i].ID < sealed[j].ID })
	return sealed, nil
}

func (s *Store) filterVotables(keep func(*votable.Votable) bool) []*votable.Votable {
	var out []*votable.Votable
	for _, v := range s.votables {
		if keep(v) {
			out = append(out, cloneVotable(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneVotable(v *votable.Votable) *votable.Votable {
	cp := *v
	if v.ConsolidatedVotes != nil {
		n := *v.ConsolidatedVotes
		cp.ConsolidatedVotes = &n
	}
	return &cp
}

// PostponeRepo is the in-memory postpone.Repository. A non-nil FailApply
// makes Apply fail without writing anything.
type PostponeRepo struct {
	s         *Store
	FailApply error
}

func (r *PostponeRepo) GetOpenByUser(_ context.Context, userID int64) (*postpone.Request, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, req := range r.s.requests {
		if req.UserID == userID && req.IsOpen() {
			cp := *req
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *PostponeRepo) CreateWithDebit(_ context.Context, req *postpone.Request) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.creditLocked(req.UserID, -req.Cost); err != nil {
		return err
	}
	r.s.nextRequest++
	req.ID = r.s.nextRequest
	req.Status = postpone.StatusOpen
	req.CreatedAt = r.s.clock.Now()
	cp := *req
	r.s.requests = append(r.s.requests, &cp)
	return nil
}

func (r *PostponeRepo) CountOpenUsers(_ context.Context, round int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	users := make(map[int64]struct{})
	for _, req := range r.s.requests {
		if req.IsOpen() && req.Round == round {
			users[req.UserID] = struct{}{}
		}
	}
	return len(users), nil
}

func (r *PostponeRepo) ListOpen(_ context.Context) ([]*postpone.Request, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*postpone.Request
	for _, req := range r.s.requests {
		if req.IsOpen() {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *PostponeRepo) Close(_ context.Context, ids []int64, status postpone.Status, refund bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock.Now()
	for _, id := range ids {
		for _, req := range r.s.requests {
			if req.ID != id || !req.CanTransitionTo(status) {
				continue
			}
			req.Status = status
			closed := now
			req.ClosedAt = &closed
			if refund {
				_ = r.s.creditLocked(req.UserID, req.Cost)
			}
		}
	}
	return nil
}

func (r *PostponeRepo) Apply(_ context.Context, chosen *postpone.Request, discarded []int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.FailApply != nil {
		return r.FailApply
	}
	var target *postpone.Request
	for _, req := range r.s.requests {
		if req.ID == chosen.ID && req.IsOpen() {
			target = req
		}
	}
	if target == nil {
		return postpone.ErrInvalidTransition
	}
	if r.s.state == nil {
		r.s.state = contest.NewSystemState(r.s.clock.Now())
	}
	if err := contest.ExtendDeadline(target.Duration).Apply(r.s.state); err != nil {
		return err
	}
	now := r.s.clock.Now()
	r.s.state.UpdatedAt = now
	target.Status = postpone.StatusClosedSatisfied
	closed := now
	target.ClosedAt = &closed
	for _, id := range discarded {
		for _, req := range r.s.requests {
			if req.ID != id || !req.IsOpen() {
				continue
			}
			req.Status = postpone.StatusClosedDiscarded
			at := now
			req.ClosedAt = &at
			_ = r.s.creditLocked(req.UserID, req.Cost)
		}
	}
	return nil
}

// OutboxRepo is the in-memory outbox.Repository.
type OutboxRepo struct{ s *Store }

func (r *OutboxRepo) Append(_ context.Context, e *outbox.Event) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.events {
		if existing.DedupeKey == e.DedupeKey {
			return outbox.ErrDuplicate
		}
	}
	r.s.nextEvent++
	e.ID = r.s.nextEvent
	cp := *e
	r.s.events = append(r.s.events, &cp)
	return nil
}

func (r *OutboxRepo) List(_ context.Context, filter outbox.Filter, limit, offset int) ([]*outbox.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*outbox.Event
	for _, e := range r.s.events {
		if filter.Type != nil && e.Type != *filter.Type {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
