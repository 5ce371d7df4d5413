package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"taskflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

const itemColumns = `id,kind,title,status,tags_json,parent_id,requires_verification,created_at,updated_at`

func scanItem(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var tags, parent sql.NullString
	var requiresVerification int
	err := row.Scan(&w.ID, &w.Kind, &w.Title, &w.Status, &tags, &parent, &requiresVerification, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &w.Tags); err != nil {
			return w, fmt.Errorf("tags of %s: %w", w.ID, err)
		}
	}
	if parent.Valid {
		w.ParentID = &parent.String
	}
	w.RequiresVerification = requiresVerification != 0
	return w, nil
}

func tagsJSON(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	tags, err := tagsJSON(w.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO work_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Kind, w.Title, w.Status, tags, nullableStringPtr(w.ParentID), boolInt(w.RequiresVerification), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) UpdateItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	tags, err := tagsJSON(w.Tags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET kind=?, title=?, status=?, tags_json=?, parent_id=?, requires_verification=?, updated_at=? WHERE id=?`,
		w.Kind, w.Title, w.Status, tags, nullableStringPtr(w.ParentID), boolInt(w.RequiresVerification), w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id))
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id))
}

// ListChildren returns the direct children of a parent item.
func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.WorkItem, error) {
	return r.queryItems(ctx, `SELECT `+itemColumns+` FROM work_items WHERE parent_id=? ORDER BY created_at ASC, id ASC`, parentID)
}

// ListChildrenTx is ListChildren inside a transaction, so a cascade
// evaluation sees the uncommitted status of the transition it follows.
func (r Repo) ListChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.WorkItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE parent_id=? ORDER BY created_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

type ItemFilters struct {
	Kind     domain.Kind
	Status   string
	ParentID string
	Tag      string
	Limit    int
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + itemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	items, err := r.queryItems(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if f.Tag == "" {
		return items, nil
	}
	// tags are a JSON column; the tag filter is applied after the scan
	var out []domain.WorkItem
	for _, it := range items {
		if it.HasTag(f.Tag) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (r Repo) queryItems(ctx context.Context, query string, args ...any) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// DeleteItem removes a work item; dependency edges and verifications go
// with it via foreign keys.
func (r Repo) DeleteItem(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountItemsByStatus(ctx context.Context, kind domain.Kind) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM work_items WHERE kind=? GROUP BY status`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) InsertEdge(ctx context.Context, tx *sql.Tx, e domain.DependencyEdge) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dependency_edges(from_task_id,to_task_id,edge_type,created_at) VALUES (?,?,?,?)`,
		e.FromTaskID, e.ToTaskID, e.Type, e.CreatedAt)
	return err
}

func (r Repo) DeleteEdge(ctx context.Context, tx *sql.Tx, from, to string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM dependency_edges WHERE from_task_id=? AND to_task_id=?`, from, to)
	return err
}

func (r Repo) DeleteEdgesForTask(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM dependency_edges WHERE from_task_id=? OR to_task_id=?`, taskID, taskID)
	return err
}

func (r Repo) ListEdges(ctx context.Context) ([]domain.DependencyEdge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT from_task_id,to_task_id,edge_type,created_at FROM dependency_edges ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DependencyEdge
	for rows.Next() {
		var e domain.DependencyEdge
		if err := rows.Scan(&e.FromTaskID, &e.ToTaskID, &e.Type, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) AddCriterion(ctx context.Context, itemID, criterion string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO verification_criteria(item_id,criterion) VALUES (?,?)`, itemID, criterion)
	return err
}

func (r Repo) ListCriteria(ctx context.Context, itemID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT criterion FROM verification_criteria WHERE item_id=? ORDER BY criterion`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertVerification(ctx context.Context, v domain.Verification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO verifications(id,item_id,criterion,satisfied_by,ts) VALUES (?,?,?,?,?)
ON CONFLICT(item_id,criterion) DO UPDATE SET satisfied_by=excluded.satisfied_by, ts=excluded.ts`,
		v.ID, v.ItemID, v.Criterion, v.SatisfiedBy, v.TS)
	return err
}

func (r Repo) ListVerifications(ctx context.Context, itemID string) ([]domain.Verification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,item_id,criterion,satisfied_by,ts FROM verifications WHERE item_id=? ORDER BY ts ASC, id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Verification
	for rows.Next() {
		var v domain.Verification
		if err := rows.Scan(&v.ID, &v.ItemID, &v.Criterion, &v.SatisfiedBy, &v.TS); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events, optionally filtered by item.
func (r Repo) LatestEvents(ctx context.Context, limit int, itemID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if itemID != "" {
		clauses = append(clauses, "item_id=?")
		args = append(args, itemID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,item_id,item_kind,actor_id,payload_json FROM events `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var itemID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &itemID, &e.ItemKind, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if itemID.Valid {
			e.ItemID = itemID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
