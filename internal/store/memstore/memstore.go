// Package memstore is an in-memory Store used by tests and local
// experiments. It mirrors the Postgres semantics the engine relies on:
// handle theft, edge soft-delete/revive, run lifecycles, as-of membership
// replay, and advisory locks. WithTx is not transactional — mutations apply
// immediately — which is sufficient for single-threaded test scenarios.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rawgraph/asset-engine/internal/identity"
	"github.com/rawgraph/asset-engine/internal/store"
	"github.com/rawgraph/asset-engine/pkg/models"
)

type edgeKey struct{ target, follower int64 }

type fanoutKey struct {
	source int64
	slug   string
	mode   models.FanoutMode
}

type Mem struct {
	mu sync.Mutex

	users     map[int64]*models.User
	history   []models.HandleHistory
	edges     map[edgeKey]*models.FollowEdge
	posts     map[int64]*models.Post
	specified map[string]map[int64]struct{}

	nextRunID int64
	runs      map[int64]*models.IngestRun

	nextParamsID   int64
	params         map[int64]*models.AssetParamsRow
	paramsByKey    map[string]int64
	nextInstanceID int64
	instances      map[int64]*models.AssetInstance
	instanceByPar  map[int64]int64

	nextRootID  int64
	roots       map[int64]*models.AssetInstanceRoot // by instance id
	nextFRootID int64
	fanoutRoots map[fanoutKey]*models.AssetInstanceFanoutRoot

	nextMatID  int64
	mats       map[int64]*models.Materialization
	matDeps    map[int64][]int64
	matReqs    map[int64][]int64
	membership map[int64]map[int64]struct{} // instance -> current items
	memKind    map[int64]models.ItemKind
	events     map[int64][]models.MembershipEvent // by materialization

	plannerEvents []models.PlannerEvent

	locks map[string]bool
}

var _ store.Store = (*Mem)(nil)

func New() *Mem {
	return &Mem{
		users:         map[int64]*models.User{},
		edges:         map[edgeKey]*models.FollowEdge{},
		posts:         map[int64]*models.Post{},
		specified:     map[string]map[int64]struct{}{},
		runs:          map[int64]*models.IngestRun{},
		params:        map[int64]*models.AssetParamsRow{},
		paramsByKey:   map[string]int64{},
		instances:     map[int64]*models.AssetInstance{},
		instanceByPar: map[int64]int64{},
		roots:         map[int64]*models.AssetInstanceRoot{},
		fanoutRoots:   map[fanoutKey]*models.AssetInstanceFanoutRoot{},
		mats:          map[int64]*models.Materialization{},
		matDeps:       map[int64][]int64{},
		matReqs:       map[int64][]int64{},
		membership:    map[int64]map[int64]struct{}{},
		memKind:       map[int64]models.ItemKind{},
		events:        map[int64][]models.MembershipEvent{},
		locks:         map[string]bool{},
	}
}

func (m *Mem) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(m)
}

// ---- social graph ------------------------------------------------------

func (m *Mem) UpsertUser(_ context.Context, u store.UserUpsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if u.Handle != nil && *u.Handle != "" {
		norm := strings.ToLower(*u.Handle)
		for id, other := range m.users {
			if id == u.ID || other.Handle == nil {
				continue
			}
			if strings.ToLower(*other.Handle) == norm {
				m.history = append(m.history, models.HandleHistory{UserID: id, OldHandle: *other.Handle, NewHandle: "", ChangedAt: now})
				other.Handle = nil
				other.HandleNorm = nil
				other.UpdatedAt = now
			}
		}
	}

	existing := m.users[u.ID]
	if existing == nil {
		existing = &models.User{ID: u.ID}
		m.users[u.ID] = existing
	}
	if u.Handle != nil {
		prev := ""
		if existing.Handle != nil {
			prev = *existing.Handle
		}
		if prev != *u.Handle {
			m.history = append(m.history, models.HandleHistory{UserID: u.ID, OldHandle: prev, NewHandle: *u.Handle, ChangedAt: now})
		}
		h := *u.Handle
		norm := strings.ToLower(h)
		existing.Handle = &h
		existing.HandleNorm = &norm
	}
	existing.IsDeleted = u.IsDeleted
	if u.IngestID != nil {
		existing.LastIngestID = u.IngestID
	}
	existing.UpdatedAt = now
	return nil
}

func (m *Mem) GetUser(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// HandleHistory exposes the recorded transitions for assertions.
func (m *Mem) HandleHistory() []models.HandleHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.HandleHistory, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Mem) ReplaceFollowers(_ context.Context, targetID int64, followerIDs []int64) (int, int, error) {
	return m.reconcile(func(k edgeKey) bool { return k.target == targetID },
		func(id int64) edgeKey { return edgeKey{targetID, id} }, followerIDs)
}

func (m *Mem) ReplaceFollowings(_ context.Context, followerID int64, targetIDs []int64) (int, int, error) {
	return m.reconcile(func(k edgeKey) bool { return k.follower == followerID },
		func(id int64) edgeKey { return edgeKey{id, followerID} }, targetIDs)
}

func (m *Mem) reconcile(owned func(edgeKey) bool, key func(int64) edgeKey, ids []int64) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := map[edgeKey]struct{}{}
	for _, id := range ids {
		keep[key(id)] = struct{}{}
	}

	removed := 0
	for k, e := range m.edges {
		if owned(k) && !e.IsDeleted {
			if _, ok := keep[k]; !ok {
				e.IsDeleted = true
				removed++
			}
		}
	}

	added := 0
	for k := range keep {
		e, ok := m.edges[k]
		if !ok {
			m.edges[k] = &models.FollowEdge{TargetID: k.target, FollowerID: k.follower}
			added++
		} else if e.IsDeleted {
			e.IsDeleted = false
			added++
		}
	}
	return added, removed, nil
}

func (m *Mem) UpsertFollowEdges(_ context.Context, edges []models.FollowEdge) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newlyActive := 0
	for _, in := range edges {
		k := edgeKey{in.TargetID, in.FollowerID}
		e, ok := m.edges[k]
		if !ok {
			m.edges[k] = &models.FollowEdge{TargetID: in.TargetID, FollowerID: in.FollowerID}
			newlyActive++
		} else if e.IsDeleted {
			e.IsDeleted = false
			newlyActive++
		}
	}
	return newlyActive, nil
}

func (m *Mem) UpsertPosts(_ context.Context, posts []models.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range posts {
		if existing, ok := m.posts[in.ID]; ok {
			existing.Text = in.Text
			existing.Lang = in.Lang
			existing.Raw = in.Raw
			existing.IsDeleted = false
			continue
		}
		cp := in
		m.posts[in.ID] = &cp
	}
	return nil
}

func (m *Mem) ActiveFollowerIDs(_ context.Context, targetID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for k, e := range m.edges {
		if k.target == targetID && !e.IsDeleted {
			out = append(out, k.follower)
		}
	}
	sortIDs(out)
	return out, nil
}

func (m *Mem) ActiveFollowedIDs(_ context.Context, followerID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for k, e := range m.edges {
		if k.follower == followerID && !e.IsDeleted {
			out = append(out, k.target)
		}
	}
	sortIDs(out)
	return out, nil
}

func (m *Mem) ActivePostIDsByAuthors(_ context.Context, authorIDs []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[int64]struct{}{}
	for _, id := range authorIDs {
		want[id] = struct{}{}
	}
	var out []int64
	for id, p := range m.posts {
		if _, ok := want[p.AuthorID]; ok && !p.IsDeleted {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out, nil
}

func (m *Mem) ReplaceSpecifiedUserIDs(_ context.Context, stableKey string, userIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := map[int64]struct{}{}
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	m.specified[stableKey] = set
	return nil
}

func (m *Mem) SpecifiedUserIDs(_ context.Context, stableKey string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for id := range m.specified[stableKey] {
		out = append(out, id)
	}
	sortIDs(out)
	return out, nil
}

// ---- ingest runs -------------------------------------------------------

func (m *Mem) CreateIngestRun(_ context.Context, kind models.IngestKind, targetUserID int64, mode models.SyncMode, requestedBy *int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRunID++
	m.runs[m.nextRunID] = &models.IngestRun{
		ID:            m.nextRunID,
		Kind:          kind,
		TargetUserID:  targetUserID,
		Status:        models.StatusInProgress,
		SyncMode:      mode,
		RequestedByID: requestedBy,
		StartedAt:     time.Now(),
	}
	return m.nextRunID, nil
}

func (m *Mem) RecordIngestSnapshot(_ context.Context, runID int64, reqSnapshot, respSnapshot []byte, apiStatus int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	r.RequestSnapshot = reqSnapshot
	r.ResponseSnapshot = respSnapshot
	r.LastAPIStatus = &apiStatus
	return nil
}

func (m *Mem) CompleteIngestRun(_ context.Context, runID int64, cursorExhausted bool, syncedSince *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	r.Status = models.StatusSuccess
	r.CursorExhausted = cursorExhausted
	r.SyncedSince = syncedSince
	r.CompletedAt = &now
	return nil
}

func (m *Mem) FailIngestRun(_ context.Context, runID int64, apiErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	r.Status = models.StatusError
	r.LastAPIError = &apiErr
	r.CompletedAt = &now
	return nil
}

func (m *Mem) GetIngestRun(_ context.Context, kind models.IngestKind, id int64) (*models.IngestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.Kind != kind {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Mem) LatestSuccessfulRun(_ context.Context, kind models.IngestKind, targetUserID int64, fullOnly bool) (*models.IngestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.IngestRun
	for _, r := range m.runs {
		if r.Kind != kind || r.TargetUserID != targetUserID || r.Status != models.StatusSuccess {
			continue
		}
		if fullOnly && r.SyncMode != models.SyncFullRefresh {
			continue
		}
		if best == nil || r.ID > best.ID {
			best = r
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// ---- params / instances / roots ----------------------------------------

func paramsKey(slug, hash string, version int) string {
	return fmt.Sprintf("%s|%s|%d", slug, hash, version)
}

func (m *Mem) GetOrCreateParams(_ context.Context, p identity.Params, hash string, version int) (*models.AssetParamsRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := paramsKey(string(p.Slug), hash, version)
	if id, ok := m.paramsByKey[key]; ok {
		cp := *m.params[id]
		return &cp, nil
	}

	m.nextParamsID++
	row := &models.AssetParamsRow{
		ID:                m.nextParamsID,
		Slug:              string(p.Slug),
		ParamsHash:        hash,
		ParamsHashVersion: version,
		CreatedAt:         time.Now(),
	}
	switch p.Slug {
	case identity.SlugSegmentSpecifiedUsers:
		k := p.StableKey
		row.StableKey = &k
	case identity.SlugPostCorpusForSegment:
		for id, cand := range m.params {
			if cand.Slug == string(p.SourceSegmentSlug) && cand.ParamsHash == p.SourceSegmentParamsHash {
				srcID := id
				row.SourceSegmentParamsID = &srcID
			}
		}
	default:
		subj := p.SubjectExternalID
		row.SubjectExternalID = &subj
	}
	if p.FanoutSourceParamsHash != "" {
		fh := p.FanoutSourceParamsHash
		row.FanoutSourceParamsHash = &fh
	}
	m.params[row.ID] = row
	m.paramsByKey[key] = row.ID
	cp := *row
	return &cp, nil
}

func (m *Mem) GetParamsByHash(_ context.Context, slug string, hash string, version int) (*models.AssetParamsRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.paramsByKey[paramsKey(slug, hash, version)]; ok {
		cp := *m.params[id]
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *Mem) GetParamsByID(_ context.Context, id int64) (*models.AssetParamsRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.params[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *Mem) GetOrCreateInstance(_ context.Context, paramsID int64) (*models.AssetInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.instanceByPar[paramsID]; ok {
		cp := *m.instances[id]
		return &cp, nil
	}
	m.nextInstanceID++
	inst := &models.AssetInstance{ID: m.nextInstanceID, ParamsID: paramsID, CreatedAt: time.Now()}
	m.instances[inst.ID] = inst
	m.instanceByPar[paramsID] = inst.ID
	cp := *inst
	return &cp, nil
}

func (m *Mem) GetInstance(_ context.Context, id int64) (*models.AssetInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (m *Mem) GetInstanceParams(_ context.Context, instanceID int64) (*models.AssetParamsRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m.params[inst.ParamsID]
	return &cp, nil
}

func (m *Mem) EnableRoot(_ context.Context, instanceID int64) (*models.AssetInstanceRoot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.roots[instanceID]; ok {
		r.DisabledAt = nil
		cp := *r
		return &cp, nil
	}
	m.nextRootID++
	r := &models.AssetInstanceRoot{ID: m.nextRootID, InstanceID: instanceID, CreatedAt: time.Now()}
	m.roots[instanceID] = r
	cp := *r
	return &cp, nil
}

func (m *Mem) DisableRoot(_ context.Context, instanceID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roots[instanceID]
	if !ok || r.DisabledAt != nil {
		return false, nil
	}
	now := time.Now()
	r.DisabledAt = &now
	return true, nil
}

func (m *Mem) ListEnabledRoots(ctx context.Context) ([]store.RootTarget, error) {
	return m.listRoots(true)
}

func (m *Mem) ListRoots(ctx context.Context) ([]store.RootTarget, error) {
	return m.listRoots(false)
}

func (m *Mem) listRoots(enabledOnly bool) ([]store.RootTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.RootTarget
	for _, r := range m.roots {
		if enabledOnly && r.DisabledAt != nil {
			continue
		}
		inst := m.instances[r.InstanceID]
		out = append(out, store.RootTarget{RootID: r.ID, InstanceID: r.InstanceID, Params: *m.params[inst.ParamsID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RootID < out[j].RootID })
	return out, nil
}

func (m *Mem) EnableFanoutRoot(_ context.Context, sourceInstanceID int64, targetSlug string, mode models.FanoutMode) (*models.AssetInstanceFanoutRoot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := fanoutKey{sourceInstanceID, targetSlug, mode}
	if r, ok := m.fanoutRoots[k]; ok {
		r.DisabledAt = nil
		cp := *r
		return &cp, nil
	}
	m.nextFRootID++
	r := &models.AssetInstanceFanoutRoot{
		ID:               m.nextFRootID,
		SourceInstanceID: sourceInstanceID,
		TargetSlug:       targetSlug,
		Mode:             mode,
		CreatedAt:        time.Now(),
	}
	m.fanoutRoots[k] = r
	cp := *r
	return &cp, nil
}

func (m *Mem) DisableFanoutRoot(_ context.Context, sourceInstanceID int64, targetSlug string, mode models.FanoutMode) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.fanoutRoots[fanoutKey{sourceInstanceID, targetSlug, mode}]
	if !ok || r.DisabledAt != nil {
		return false, nil
	}
	now := time.Now()
	r.DisabledAt = &now
	return true, nil
}

func (m *Mem) ListEnabledFanoutRoots(_ context.Context) ([]store.FanoutTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.FanoutTarget
	for _, r := range m.fanoutRoots {
		if r.DisabledAt != nil {
			continue
		}
		inst := m.instances[r.SourceInstanceID]
		out = append(out, store.FanoutTarget{Root: *r, SourceParams: *m.params[inst.ParamsID]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Root.ID < out[j].Root.ID })
	return out, nil
}

// ---- materializations --------------------------------------------------

func (m *Mem) CreateMaterialization(_ context.Context, mat *models.Materialization) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMatID++
	cp := *mat
	cp.ID = m.nextMatID
	cp.Status = models.StatusInProgress
	cp.StartedAt = time.Now()
	m.mats[cp.ID] = &cp
	return cp.ID, nil
}

func (m *Mem) CompleteMaterialization(_ context.Context, matID int64, outputRevision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mat, ok := m.mats[matID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	mat.Status = models.StatusSuccess
	mat.OutputRevision = outputRevision
	mat.CompletedAt = &now
	return nil
}

func (m *Mem) FailMaterialization(_ context.Context, matID int64, errPayload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mat, ok := m.mats[matID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	mat.Status = models.StatusError
	mat.ErrorPayload = &errPayload
	mat.CompletedAt = &now
	return nil
}

func (m *Mem) GetMaterialization(_ context.Context, id int64) (*models.Materialization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mat, ok := m.mats[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *mat
	return &cp, nil
}

func (m *Mem) LatestSuccessfulMaterialization(_ context.Context, instanceID int64) (*models.Materialization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mat := m.latestSuccessLocked(instanceID)
	if mat == nil {
		return nil, store.ErrNotFound
	}
	cp := *mat
	return &cp, nil
}

func (m *Mem) latestSuccessLocked(instanceID int64) *models.Materialization {
	var best *models.Materialization
	for _, mat := range m.mats {
		if mat.InstanceID != instanceID || mat.Status != models.StatusSuccess {
			continue
		}
		if best == nil || mat.ID > best.ID {
			best = mat
		}
	}
	return best
}

func (m *Mem) InsertMaterializationDependencies(_ context.Context, matID int64, depMatIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matDeps[matID] = append(m.matDeps[matID], depMatIDs...)
	return nil
}

func (m *Mem) InsertMaterializationRequesters(_ context.Context, matID int64, requesterMatIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matReqs[matID] = append(m.matReqs[matID], requesterMatIDs...)
	return nil
}

// DependencyMatIDs exposes the recorded dependency edges for assertions.
func (m *Mem) DependencyMatIDs(matID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, len(m.matDeps[matID]))
	copy(out, m.matDeps[matID])
	return out
}

func (m *Mem) ReplaceMembership(_ context.Context, instanceID int64, matID int64, kind models.ItemKind, items []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := map[int64]struct{}{}
	for _, id := range items {
		set[id] = struct{}{}
	}
	m.membership[instanceID] = set
	m.memKind[instanceID] = kind
	return nil
}

func (m *Mem) MembershipAtCheckpoint(_ context.Context, instanceID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for id := range m.membership[instanceID] {
		out = append(out, id)
	}
	sortIDs(out)
	return out, nil
}

func (m *Mem) MembershipAsOf(_ context.Context, instanceID int64, matID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matIDs []int64
	for id, mat := range m.mats {
		if mat.InstanceID == instanceID && mat.Status == models.StatusSuccess && id <= matID {
			matIDs = append(matIDs, id)
		}
	}
	sortIDs(matIDs)

	present := map[int64]struct{}{}
	for _, id := range matIDs {
		for _, ev := range m.events[id] {
			if ev.EventType == "enter" {
				present[ev.ItemID] = struct{}{}
			} else {
				delete(present, ev.ItemID)
			}
		}
	}
	var out []int64
	for id := range present {
		out = append(out, id)
	}
	sortIDs(out)
	return out, nil
}

func (m *Mem) InsertEnterEvents(_ context.Context, matID int64, items []int64, firstAppearance map[int64]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range items {
		fa := firstAppearance[id]
		m.events[matID] = append(m.events[matID], models.MembershipEvent{
			MaterializationID: matID,
			ItemID:            id,
			EventType:         "enter",
			IsFirstAppearance: &fa,
			CreatedAt:         time.Now(),
		})
	}
	return nil
}

func (m *Mem) InsertExitEvents(_ context.Context, matID int64, items []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range items {
		m.events[matID] = append(m.events[matID], models.MembershipEvent{
			MaterializationID: matID,
			ItemID:            id,
			EventType:         "exit",
			CreatedAt:         time.Now(),
		})
	}
	return nil
}

// Events exposes the event rows of one materialization for assertions.
func (m *Mem) Events(matID int64) []models.MembershipEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.MembershipEvent, len(m.events[matID]))
	copy(out, m.events[matID])
	return out
}

func (m *Mem) EverEnteredItems(_ context.Context, instanceID int64, candidates []int64) (map[int64]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entered := map[int64]struct{}{}
	for id, mat := range m.mats {
		if mat.InstanceID != instanceID || mat.Status != models.StatusSuccess {
			continue
		}
		for _, ev := range m.events[id] {
			if ev.EventType == "enter" {
				entered[ev.ItemID] = struct{}{}
			}
		}
	}
	out := map[int64]bool{}
	for _, c := range candidates {
		if _, ok := entered[c]; ok {
			out[c] = true
		}
	}
	return out, nil
}

func (m *Mem) SetInstanceCheckpoint(_ context.Context, instanceID int64, matID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return store.ErrNotFound
	}
	inst.CheckpointID = &matID
	return nil
}

func (m *Mem) InsertPlannerEvent(_ context.Context, ev models.PlannerEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plannerEvents = append(m.plannerEvents, ev)
	return nil
}

// PlannerEvents exposes the recorded planner diagnostics for assertions.
func (m *Mem) PlannerEvents() []models.PlannerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PlannerEvent, len(m.plannerEvents))
	copy(out, m.plannerEvents)
	return out
}

// ---- advisory locks ----------------------------------------------------

func (m *Mem) TryAdvisoryLock(_ context.Context, key string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks, key)
	}, true, nil
}

func (m *Mem) AdvisoryXactLock(_ context.Context, key string) error {
	// No transactions here; materializations are serialized by the test.
	return nil
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
