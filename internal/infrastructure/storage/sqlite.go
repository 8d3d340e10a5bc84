// Package storage persists slots, production history and rule singletons in
// an embedded SQLite database.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"StudioFeed/internal/domain"
	"StudioFeed/internal/ports"
)

const (
	singletonRules    = "variation_rules"
	singletonSchedule = "schedule_settings"
)

// Store implements SlotRepository, HistoryStore and RulesStore over SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ ports.SlotRepository = (*Store)(nil)
	_ ports.HistoryStore   = (*Store)(nil)
	_ ports.RulesStore     = (*Store)(nil)
)

// Open creates (if needed) and migrates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeDatabase(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

type slotRow struct {
	result      string
	errDoc      sql.NullString
	messageRef  sql.NullString
	requestedAt sql.NullTime
	respondedAt sql.NullTime
}

func slotColumns() []string {
	return []string{
		"id", "status", "current_stage", "stage_index", "total_stages",
		"created_at", "updated_at", "result",
		"approval_status", "approval_message_ref", "approval_requested_at", "approval_responded_at",
		"error", "retry_count", "history_written", "version",
	}
}

func slotValues(slot *domain.ScheduledSlot) ([]interface{}, error) {
	result, err := json.Marshal(slot.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline result: %w", err)
	}
	var errDoc interface{}
	if slot.Error != nil {
		raw, err := json.Marshal(slot.Error)
		if err != nil {
			return nil, fmt.Errorf("marshal slot error: %w", err)
		}
		errDoc = string(raw)
	}
	var requestedAt, respondedAt interface{}
	if slot.Approval.RequestedAt != nil {
		requestedAt = slot.Approval.RequestedAt.UTC()
	}
	if slot.Approval.RespondedAt != nil {
		respondedAt = slot.Approval.RespondedAt.UTC()
	}
	return []interface{}{
		slot.ID, string(slot.Status), string(slot.CurrentStage), slot.StageIndex, slot.TotalStages,
		slot.CreatedAt.UTC(), slot.UpdatedAt.UTC(), string(result),
		string(slot.Approval.Status), slot.Approval.MessageRef, requestedAt, respondedAt,
		errDoc, slot.RetryCount, slot.HistoryWritten, slot.Version,
	}, nil
}

// Create inserts the slot at version 1.
func (s *Store) Create(ctx context.Context, slot *domain.ScheduledSlot) error {
	slot.Version = 1
	values, err := slotValues(slot)
	if err != nil {
		return err
	}
	query, args, err := sq.Insert("scheduled_slots").Columns(slotColumns()...).Values(values...).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

// Get loads one slot or ErrSlotNotFound.
func (s *Store) Get(ctx context.Context, id string) (*domain.ScheduledSlot, error) {
	query, args, err := sq.Select(slotColumns()...).From("scheduled_slots").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	slot, err := scanSlot(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSlotNotFound
	}
	return slot, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSlot(row rowScanner) (*domain.ScheduledSlot, error) {
	var (
		slot                          domain.ScheduledSlot
		status, stage, approvalStatus string
		extra                         slotRow
	)
	err := row.Scan(
		&slot.ID, &status, &stage, &slot.StageIndex, &slot.TotalStages,
		&slot.CreatedAt, &slot.UpdatedAt, &extra.result,
		&approvalStatus, &extra.messageRef, &extra.requestedAt, &extra.respondedAt,
		&extra.errDoc, &slot.RetryCount, &slot.HistoryWritten, &slot.Version,
	)
	if err != nil {
		return nil, err
	}

	slot.Status = domain.Status(status)
	slot.CurrentStage = domain.Stage(stage)
	if err := json.Unmarshal([]byte(extra.result), &slot.Result); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline result: %w", err)
	}
	slot.Approval.Status = domain.ApprovalStatus(approvalStatus)
	if extra.messageRef.Valid {
		slot.Approval.MessageRef = extra.messageRef.String
	}
	if extra.requestedAt.Valid {
		t := extra.requestedAt.Time
		slot.Approval.RequestedAt = &t
	}
	if extra.respondedAt.Valid {
		t := extra.respondedAt.Time
		slot.Approval.RespondedAt = &t
	}
	if extra.errDoc.Valid {
		var stageErr domain.StageError
		if err := json.Unmarshal([]byte(extra.errDoc.String), &stageErr); err != nil {
			return nil, fmt.Errorf("unmarshal slot error: %w", err)
		}
		slot.Error = &stageErr
	}
	return &slot, nil
}

// Update compare-and-swaps on the stored version. The caller's slot version
// is bumped on success; a stale version fails with ErrConcurrentModification.
func (s *Store) Update(ctx context.Context, slot *domain.ScheduledSlot) error {
	expected := slot.Version
	slot.Version = expected + 1
	slot.UpdatedAt = time.Now()

	values, err := slotValues(slot)
	if err != nil {
		slot.Version = expected
		return err
	}

	builder := sq.Update("scheduled_slots")
	cols := slotColumns()
	for i, col := range cols {
		if col == "id" {
			continue
		}
		builder = builder.Set(col, values[i])
	}
	query, args, err := builder.Where(sq.Eq{"id": slot.ID, "version": expected}).ToSql()
	if err != nil {
		slot.Version = expected
		return fmt.Errorf("build update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		slot.Version = expected
		return fmt.Errorf("update slot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		slot.Version = expected
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		slot.Version = expected
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM scheduled_slots WHERE id = ?)", slot.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check slot existence: %w", err)
		}
		if !exists {
			return domain.ErrSlotNotFound
		}
		return domain.ErrConcurrentModification
	}
	return nil
}

// List returns filtered slots, newest first.
func (s *Store) List(ctx context.Context, filter ports.SlotFilter) ([]*domain.ScheduledSlot, error) {
	builder := sq.Select(slotColumns()...).From("scheduled_slots").OrderBy("created_at DESC")
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		builder = builder.Where(sq.Eq{"status": statuses})
	}
	if filter.ApprovalStatus != "" {
		builder = builder.Where(sq.Eq{"approval_status": string(filter.ApprovalStatus)})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var slots []*domain.ScheduledSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slots: %w", err)
	}
	return slots, nil
}

// Delete removes a slot; unknown IDs fail with ErrSlotNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	query, args, err := sq.Delete("scheduled_slots").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return domain.ErrSlotNotFound
	}
	return nil
}

// Append inserts one production-history entry.
func (s *Store) Append(ctx context.Context, entry domain.ProductionHistoryEntry) error {
	query, args, err := sq.Insert("production_history").
		Columns("id", "ts", "scenario_id", "composition_id", "table_id", "hand_style_id", "includes_pet", "product_type").
		Values(entry.ID, entry.Timestamp.UTC(), entry.ScenarioID, entry.CompositionID,
			entry.TableID, entry.HandStyleID, entry.IncludesPet, entry.ProductType).
		ToSql()
	if err != nil {
		return fmt.Errorf("build history insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries ordered newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.ProductionHistoryEntry, error) {
	builder := sq.Select("id", "ts", "scenario_id", "composition_id", "table_id", "hand_style_id", "includes_pet", "product_type").
		From("production_history").OrderBy("ts DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build history select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []domain.ProductionHistoryEntry
	for rows.Next() {
		var entry domain.ProductionHistoryEntry
		var tableID, handStyleID, productType sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.ScenarioID, &entry.CompositionID,
			&tableID, &handStyleID, &entry.IncludesPet, &productType); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entry.TableID = tableID.String
		entry.HandStyleID = handStyleID.String
		entry.ProductType = productType.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// TrimBefore deletes entries older than the cutoff and reports how many.
func (s *Store) TrimBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query, args, err := sq.Delete("production_history").Where(sq.Lt{"ts": cutoff.UTC()}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build history trim: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("trim history: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *Store) loadSingleton(ctx context.Context, name string, v interface{}) (bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM singletons WHERE name = ?", name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) saveSingleton(ctx context.Context, name string, v interface{}) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO singletons (name, doc) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET doc = excluded.doc`, name, string(doc))
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// Rules returns the variation-rules singleton, seeding defaults on first read.
func (s *Store) Rules(ctx context.Context) (domain.VariationRules, error) {
	var rules domain.VariationRules
	found, err := s.loadSingleton(ctx, singletonRules, &rules)
	if err != nil {
		return domain.VariationRules{}, err
	}
	if !found {
		return domain.DefaultVariationRules(), nil
	}
	return rules, nil
}

// UpdateRules replaces the variation-rules singleton.
func (s *Store) UpdateRules(ctx context.Context, rules domain.VariationRules) error {
	return s.saveSingleton(ctx, singletonRules, rules)
}

// Settings returns the schedule-settings singleton, seeding defaults on
// first read.
func (s *Store) Settings(ctx context.Context) (domain.ScheduleSettings, error) {
	var settings domain.ScheduleSettings
	found, err := s.loadSingleton(ctx, singletonSchedule, &settings)
	if err != nil {
		return domain.ScheduleSettings{}, err
	}
	if !found {
		return domain.DefaultScheduleSettings(), nil
	}
	return settings, nil
}

// UpdateSettings replaces the schedule-settings singleton.
func (s *Store) UpdateSettings(ctx context.Context, settings domain.ScheduleSettings) error {
	return s.saveSingleton(ctx, singletonSchedule, settings)
}
