package store

import (
	"context"
	"fmt"

	"github.com/rawgraph/asset-engine/internal/identity"
	"github.com/rawgraph/asset-engine/pkg/models"
)

const paramsColumns = `id, asset_slug, params_hash, params_hash_version,
	stable_key, subject_external_id, source_segment_params_id,
	fanout_source_params_hash, created_at`

func scanParams(row interface{ Scan(...any) error }) (*models.AssetParamsRow, error) {
	var p models.AssetParamsRow
	err := row.Scan(&p.ID, &p.Slug, &p.ParamsHash, &p.ParamsHashVersion,
		&p.StableKey, &p.SubjectExternalID, &p.SourceSegmentParamsID,
		&p.FanoutSourceParamsHash, &p.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &p, nil
}

// GetOrCreateParams persists the typed identity fields for the slug next to
// the precomputed hash. The (slug, hash, version) uniqueness makes this safe
// under concurrent planners.
func (s *Postgres) GetOrCreateParams(ctx context.Context, p identity.Params, hash string, version int) (*models.AssetParamsRow, error) {
	var stableKey, fanoutHash *string
	var subject, sourceParamsID *int64

	switch p.Slug {
	case identity.SlugSegmentSpecifiedUsers:
		stableKey = &p.StableKey
	case identity.SlugSegmentFollowers, identity.SlugSegmentFollowed,
		identity.SlugSegmentMutuals, identity.SlugSegmentUnreciprocatedFollowed:
		subject = &p.SubjectExternalID
	case identity.SlugPostCorpusForSegment:
		src, err := s.GetParamsByHash(ctx, string(p.SourceSegmentSlug), p.SourceSegmentParamsHash, version)
		if err != nil {
			return nil, fmt.Errorf("resolve source segment params: %w", err)
		}
		sourceParamsID = &src.ID
	}
	if p.FanoutSourceParamsHash != "" {
		fanoutHash = &p.FanoutSourceParamsHash
	}

	row := s.q.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO asset_params
			(asset_slug, params_hash, params_hash_version, stable_key,
			 subject_external_id, source_segment_params_id, fanout_source_params_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (asset_slug, params_hash, params_hash_version) DO UPDATE SET
			asset_slug = EXCLUDED.asset_slug
		RETURNING %s`, paramsColumns),
		string(p.Slug), hash, version, stableKey, subject, sourceParamsID, fanoutHash)
	return scanParams(row)
}

func (s *Postgres) GetParamsByHash(ctx context.Context, slug string, hash string, version int) (*models.AssetParamsRow, error) {
	row := s.q.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM asset_params
		WHERE asset_slug = $1 AND params_hash = $2 AND params_hash_version = $3`, paramsColumns),
		slug, hash, version)
	return scanParams(row)
}

func (s *Postgres) GetParamsByID(ctx context.Context, id int64) (*models.AssetParamsRow, error) {
	row := s.q.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM asset_params WHERE id = $1`, paramsColumns), id)
	return scanParams(row)
}

func (s *Postgres) GetOrCreateInstance(ctx context.Context, paramsID int64) (*models.AssetInstance, error) {
	var inst models.AssetInstance
	err := s.q.QueryRow(ctx, `
		INSERT INTO asset_instances (params_id) VALUES ($1)
		ON CONFLICT (params_id) DO UPDATE SET params_id = EXCLUDED.params_id
		RETURNING id, params_id, checkpoint_materialization_id, created_at`, paramsID).
		Scan(&inst.ID, &inst.ParamsID, &inst.CheckpointID, &inst.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *Postgres) GetInstance(ctx context.Context, id int64) (*models.AssetInstance, error) {
	var inst models.AssetInstance
	err := s.q.QueryRow(ctx, `
		SELECT id, params_id, checkpoint_materialization_id, created_at
		FROM asset_instances WHERE id = $1`, id).
		Scan(&inst.ID, &inst.ParamsID, &inst.CheckpointID, &inst.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &inst, nil
}

func (s *Postgres) GetInstanceParams(ctx context.Context, instanceID int64) (*models.AssetParamsRow, error) {
	row := s.q.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM asset_params p
		JOIN asset_instances i ON i.params_id = p.id
		WHERE i.id = $1`, qualify(paramsColumns, "p")), instanceID)
	return scanParams(row)
}

// EnableRoot inserts or re-enables the root row for an instance.
func (s *Postgres) EnableRoot(ctx context.Context, instanceID int64) (*models.AssetInstanceRoot, error) {
	var r models.AssetInstanceRoot
	err := s.q.QueryRow(ctx, `
		INSERT INTO asset_instance_roots (instance_id) VALUES ($1)
		ON CONFLICT (instance_id) DO UPDATE SET disabled_at = NULL
		RETURNING id, instance_id, disabled_at, created_at`, instanceID).
		Scan(&r.ID, &r.InstanceID, &r.DisabledAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DisableRoot sets disabled_at. Returns true when the root was enabled
// before the call; disabling an already-disabled root is a no-op.
func (s *Postgres) DisableRoot(ctx context.Context, instanceID int64) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE asset_instance_roots SET disabled_at = NOW()
		WHERE instance_id = $1 AND disabled_at IS NULL`, instanceID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) ListEnabledRoots(ctx context.Context) ([]RootTarget, error) {
	return s.listRoots(ctx, `r.disabled_at IS NULL`)
}

func (s *Postgres) ListRoots(ctx context.Context) ([]RootTarget, error) {
	return s.listRoots(ctx, `TRUE`)
}

func (s *Postgres) listRoots(ctx context.Context, cond string) ([]RootTarget, error) {
	rows, err := s.q.Query(ctx, fmt.Sprintf(`
		SELECT r.id, i.id, %s
		FROM asset_instance_roots r
		JOIN asset_instances i ON i.id = r.instance_id
		JOIN asset_params p ON p.id = i.params_id
		WHERE %s
		ORDER BY r.id`, qualify(paramsColumns, "p"), cond))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := make([]RootTarget, 0)
	for rows.Next() {
		var t RootTarget
		p := &t.Params
		if err := rows.Scan(&t.RootID, &t.InstanceID,
			&p.ID, &p.Slug, &p.ParamsHash, &p.ParamsHashVersion,
			&p.StableKey, &p.SubjectExternalID, &p.SourceSegmentParamsID,
			&p.FanoutSourceParamsHash, &p.CreatedAt); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *Postgres) EnableFanoutRoot(ctx context.Context, sourceInstanceID int64, targetSlug string, mode models.FanoutMode) (*models.AssetInstanceFanoutRoot, error) {
	var r models.AssetInstanceFanoutRoot
	err := s.q.QueryRow(ctx, `
		INSERT INTO asset_instance_fanout_roots (source_instance_id, target_asset_slug, fanout_mode)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_instance_id, target_asset_slug, fanout_mode) DO UPDATE SET disabled_at = NULL
		RETURNING id, source_instance_id, target_asset_slug, fanout_mode, disabled_at, created_at`,
		sourceInstanceID, targetSlug, string(mode)).
		Scan(&r.ID, &r.SourceInstanceID, &r.TargetSlug, &r.Mode, &r.DisabledAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Postgres) DisableFanoutRoot(ctx context.Context, sourceInstanceID int64, targetSlug string, mode models.FanoutMode) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE asset_instance_fanout_roots SET disabled_at = NOW()
		WHERE source_instance_id = $1 AND target_asset_slug = $2 AND fanout_mode = $3
		  AND disabled_at IS NULL`,
		sourceInstanceID, targetSlug, string(mode))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) ListEnabledFanoutRoots(ctx context.Context) ([]FanoutTarget, error) {
	rows, err := s.q.Query(ctx, fmt.Sprintf(`
		SELECT f.id, f.source_instance_id, f.target_asset_slug, f.fanout_mode,
		       f.disabled_at, f.created_at, %s
		FROM asset_instance_fanout_roots f
		JOIN asset_instances i ON i.id = f.source_instance_id
		JOIN asset_params p ON p.id = i.params_id
		WHERE f.disabled_at IS NULL
		ORDER BY f.id`, qualify(paramsColumns, "p")))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := make([]FanoutTarget, 0)
	for rows.Next() {
		var t FanoutTarget
		r := &t.Root
		p := &t.SourceParams
		if err := rows.Scan(&r.ID, &r.SourceInstanceID, &r.TargetSlug, &r.Mode,
			&r.DisabledAt, &r.CreatedAt,
			&p.ID, &p.Slug, &p.ParamsHash, &p.ParamsHashVersion,
			&p.StableKey, &p.SubjectExternalID, &p.SourceSegmentParamsID,
			&p.FanoutSourceParamsHash, &p.CreatedAt); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

const matColumns = `id, asset_instance_id, asset_slug, inputs_hash_version,
	inputs_hash, dependency_revisions_hash_version, dependency_revisions_hash,
	output_revision, status, started_at, completed_at, trigger_reason, error_payload`

func scanMat(row interface{ Scan(...any) error }) (*models.Materialization, error) {
	var m models.Materialization
	var status string
	err := row.Scan(&m.ID, &m.InstanceID, &m.Slug, &m.InputsHashVersion,
		&m.InputsHash, &m.DepRevHashVersion, &m.DepRevHash,
		&m.OutputRevision, &status, &m.StartedAt, &m.CompletedAt,
		&m.TriggerReason, &m.ErrorPayload)
	if err != nil {
		return nil, mapNoRows(err)
	}
	m.Status = models.RunStatus(status)
	return &m, nil
}

func (s *Postgres) CreateMaterialization(ctx context.Context, m *models.Materialization) (int64, error) {
	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO asset_materializations
			(asset_instance_id, asset_slug, inputs_hash_version, inputs_hash,
			 dependency_revisions_hash_version, dependency_revisions_hash,
			 status, trigger_reason)
		VALUES ($1, $2, $3, $4, $5, $6, 'in_progress', $7)
		RETURNING id`,
		m.InstanceID, m.Slug, m.InputsHashVersion, m.InputsHash,
		m.DepRevHashVersion, m.DepRevHash, m.TriggerReason).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create materialization: %w", err)
	}
	return id, nil
}

func (s *Postgres) CompleteMaterialization(ctx context.Context, matID int64, outputRevision int64) error {
	_, err := s.q.Exec(ctx, `
		UPDATE asset_materializations
		SET status = 'success', completed_at = NOW(), output_revision = $2
		WHERE id = $1`, matID, outputRevision)
	return err
}

func (s *Postgres) FailMaterialization(ctx context.Context, matID int64, errPayload string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE asset_materializations
		SET status = 'error', completed_at = NOW(), error_payload = $2
		WHERE id = $1`, matID, errPayload)
	return err
}

func (s *Postgres) GetMaterialization(ctx context.Context, id int64) (*models.Materialization, error) {
	return scanMat(s.q.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM asset_materializations WHERE id = $1`, matColumns), id))
}

func (s *Postgres) LatestSuccessfulMaterialization(ctx context.Context, instanceID int64) (*models.Materialization, error) {
	return scanMat(s.q.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM asset_materializations
		WHERE asset_instance_id = $1 AND status = 'success'
		ORDER BY id DESC LIMIT 1`, matColumns), instanceID))
}

func (s *Postgres) InsertMaterializationDependencies(ctx context.Context, matID int64, depMatIDs []int64) error {
	for _, depID := range depMatIDs {
		if _, err := s.q.Exec(ctx, `
			INSERT INTO asset_materialization_dependencies (materialization_id, dependency_materialization_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, matID, depID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) InsertMaterializationRequesters(ctx context.Context, matID int64, requesterMatIDs []int64) error {
	for _, reqID := range requesterMatIDs {
		if _, err := s.q.Exec(ctx, `
			INSERT INTO asset_materialization_requests (materialization_id, requester_materialization_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, matID, reqID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) ReplaceMembership(ctx context.Context, instanceID int64, matID int64, kind models.ItemKind, items []int64) error {
	return s.WithTx(ctx, func(txs Store) error {
		tx := txs.(*Postgres)
		if _, err := tx.q.Exec(ctx, `DELETE FROM asset_instance_memberships WHERE instance_id = $1`, instanceID); err != nil {
			return err
		}
		for _, item := range items {
			if _, err := tx.q.Exec(ctx, `
				INSERT INTO asset_instance_memberships (instance_id, item_id, item_kind, checkpoint_materialization_id)
				VALUES ($1, $2, $3, $4)`, instanceID, item, string(kind), matID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Postgres) MembershipAtCheckpoint(ctx context.Context, instanceID int64) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT item_id FROM asset_instance_memberships
		WHERE instance_id = $1 ORDER BY item_id`, instanceID)
}

// MembershipAsOf replays enter/exit events of successful materializations
// from the beginning of the instance's history up to and including the
// target materialization.
func (s *Postgres) MembershipAsOf(ctx context.Context, instanceID int64, matID int64) ([]int64, error) {
	rows, err := s.q.Query(ctx, `
		SELECT e.item_id, e.event_type
		FROM asset_membership_events e
		JOIN asset_materializations m ON m.id = e.materialization_id
		WHERE m.asset_instance_id = $1 AND m.status = 'success' AND m.id <= $2
		ORDER BY e.materialization_id, e.item_id`, instanceID, matID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	present := make(map[int64]bool)
	for rows.Next() {
		var item int64
		var eventType string
		if err := rows.Scan(&item, &eventType); err != nil {
			return nil, err
		}
		present[item] = eventType == "enter"
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	out := make([]int64, 0, len(present))
	for item, in := range present {
		if in {
			out = append(out, item)
		}
	}
	sortInt64s(out)
	return out, nil
}

func (s *Postgres) InsertEnterEvents(ctx context.Context, matID int64, items []int64, firstAppearance map[int64]bool) error {
	for _, item := range items {
		if _, err := s.q.Exec(ctx, `
			INSERT INTO asset_membership_events (materialization_id, item_id, event_type, is_first_appearance)
			VALUES ($1, $2, 'enter', $3)`, matID, item, firstAppearance[item]); err != nil {
			return fmt.Errorf("insert enter event: %w", err)
		}
	}
	return nil
}

func (s *Postgres) InsertExitEvents(ctx context.Context, matID int64, items []int64) error {
	for _, item := range items {
		if _, err := s.q.Exec(ctx, `
			INSERT INTO asset_membership_events (materialization_id, item_id, event_type, is_first_appearance)
			VALUES ($1, $2, 'exit', NULL)`, matID, item); err != nil {
			return fmt.Errorf("insert exit event: %w", err)
		}
	}
	return nil
}

func (s *Postgres) EverEnteredItems(ctx context.Context, instanceID int64, candidates []int64) (map[int64]bool, error) {
	seen := make(map[int64]bool, len(candidates))
	if len(candidates) == 0 {
		return seen, nil
	}
	rows, err := s.q.Query(ctx, `
		SELECT DISTINCT e.item_id
		FROM asset_membership_events e
		JOIN asset_materializations m ON m.id = e.materialization_id
		WHERE m.asset_instance_id = $1 AND m.status = 'success'
		  AND e.event_type = 'enter' AND e.item_id = ANY($2)`, instanceID, candidates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item int64
		if err := rows.Scan(&item); err != nil {
			return nil, err
		}
		seen[item] = true
	}
	return seen, rows.Err()
}

func (s *Postgres) SetInstanceCheckpoint(ctx context.Context, instanceID int64, matID int64) error {
	_, err := s.q.Exec(ctx, `
		UPDATE asset_instances SET checkpoint_materialization_id = $2 WHERE id = $1`,
		instanceID, matID)
	return err
}

func (s *Postgres) InsertPlannerEvent(ctx context.Context, ev models.PlannerEvent) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO planner_events (id, tick_id, instance_id, asset_slug, params_hash, decision, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.TickID, ev.InstanceID, ev.Slug, ev.ParamsHash, string(ev.Decision), ev.Reason)
	return err
}
