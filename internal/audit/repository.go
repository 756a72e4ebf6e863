package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepoint/hospital/internal/shared/database"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Repository provides append-only audit log operations
type Repository struct {
	pool     *pgxpool.Pool
	mu       sync.Mutex
	lastHash string
	sequence int64
}

// NewRepository creates a new audit repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Initialize loads the head of the chain from the database
func (r *Repository) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hash string
	var seq int64
	err := r.pool.QueryRow(ctx, `
		SELECT hash, sequence FROM audit_logs
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&hash, &seq)
	if err != nil && err != pgx.ErrNoRows {
		return errors.Wrap(err, "failed to get last audit hash")
	}

	r.lastHash = hash
	r.sequence = seq
	return nil
}

// Append appends a new audit entry (thread-safe)
func (r *Repository) Append(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.Sequence = r.sequence + 1
	entry.PrevHash = r.lastHash
	entry.Hash = entry.calculateHash()

	oldJSON, err := marshalValues(entry.OldValues)
	if err != nil {
		return errors.Wrap(err, "failed to marshal old values")
	}
	newJSON, err := marshalValues(entry.NewValues)
	if err != nil {
		return errors.Wrap(err, "failed to marshal new values")
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_logs (
			id, sequence, timestamp, hash, prev_hash,
			actor_id, actor_role, actor_ip,
			action, table_name, record_id, old_values, new_values
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.ID, entry.Sequence, entry.Timestamp, entry.Hash, entry.PrevHash,
		entry.ActorID, entry.ActorRole, entry.ActorIP,
		entry.Action, entry.TableName, entry.RecordID, oldJSON, newJSON,
	)
	if err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}

	r.lastHash = entry.Hash
	r.sequence = entry.Sequence
	return nil
}

func marshalValues(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

const entryColumns = `id, sequence, timestamp, hash, prev_hash,
	actor_id, actor_role, actor_ip,
	action, table_name, record_id, old_values, new_values`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var oldJSON, newJSON []byte
	err := row.Scan(
		&e.ID, &e.Sequence, &e.Timestamp, &e.Hash, &e.PrevHash,
		&e.ActorID, &e.ActorRole, &e.ActorIP,
		&e.Action, &e.TableName, &e.RecordID, &oldJSON, &newJSON,
	)
	if err != nil {
		return nil, err
	}
	if len(oldJSON) > 0 {
		_ = json.Unmarshal(oldJSON, &e.OldValues)
	}
	if len(newJSON) > 0 {
		_ = json.Unmarshal(newJSON, &e.NewValues)
	}
	return &e, nil
}

// List lists audit entries with filters (read-only)
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]*Entry, int, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.Action != "" {
		conditions = append(conditions, fmt.Sprintf("action = $%d", argNum))
		args = append(args, filter.Action)
		argNum++
	}

	if filter.TableName != "" {
		conditions = append(conditions, fmt.Sprintf("table_name = $%d", argNum))
		args = append(args, filter.TableName)
		argNum++
	}

	if filter.ActorID != nil {
		conditions = append(conditions, fmt.Sprintf("actor_id = $%d", argNum))
		args = append(args, *filter.ActorID)
		argNum++
	}

	if filter.RecordID != nil {
		conditions = append(conditions, fmt.Sprintf("record_id = $%d", argNum))
		args = append(args, *filter.RecordID)
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_logs "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count audit entries")
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_logs %s
		ORDER BY sequence DESC
		LIMIT $%d OFFSET $%d`, entryColumns, whereClause, argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan audit entry")
		}
		entries = append(entries, e)
	}

	return entries, total, rows.Err()
}

// VerifyChain recomputes the content hash of the newest limit entries and
// checks that each one links to its predecessor.
func (r *Repository) VerifyChain(ctx context.Context, limit int) (*VerifyResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM audit_logs
		ORDER BY sequence DESC
		LIMIT $1`, entryColumns), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query audit entries")
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read audit entries")
	}

	return verifyEntries(entries), nil
}

// verifyEntries checks entries ordered newest first.
func verifyEntries(entries []*Entry) *VerifyResult {
	result := &VerifyResult{Valid: true}

	var expected string // prev_hash recorded by the newer neighbour
	for i, e := range entries {
		if e.ComputeHash() != e.Hash {
			result.Valid = false
			result.ContentInvalid++
			result.Violations = append(result.Violations,
				fmt.Sprintf("content tampered: entry %s (seq %d)", e.ID, e.Sequence))
		}
		if i > 0 && e.Hash != expected {
			result.Valid = false
			result.LinkageInvalid++
			result.Violations = append(result.Violations,
				fmt.Sprintf("chain broken: entry %s (seq %d)", e.ID, e.Sequence))
		}
		expected = e.PrevHash
		result.Checked++
	}

	return result
}

// LogActivity records one activity line.
func (r *Repository) LogActivity(ctx context.Context, a *Activity) error {
	if a.ID.IsZero() {
		a.ID = types.NewID()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO activity_logs (id, user_id, activity, description, ip_address)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.UserID, a.Activity, a.Description, a.IPAddress,
	)
	if err != nil {
		return errors.Wrap(err, "failed to log activity")
	}
	return nil
}

// ListActivity lists activity lines, newest first, joined with the user.
func (r *Repository) ListActivity(ctx context.Context, filter ActivityFilter) ([]*Activity, int, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.Activity != "" {
		conditions = append(conditions, fmt.Sprintf(`al.activity ILIKE $%d ESCAPE '\'`, argNum))
		args = append(args, database.Contains(filter.Activity))
		argNum++
	}

	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("al.user_id = $%d", argNum))
		args = append(args, *filter.UserID)
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM activity_logs al "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count activity")
	}

	query := fmt.Sprintf(`
		SELECT al.id, al.user_id, COALESCE(u.name, ''), COALESCE(u.email, ''),
			al.activity, al.description, al.ip_address, al.created_at
		FROM activity_logs al
		LEFT JOIN users u ON u.id = al.user_id
		%s
		ORDER BY al.created_at DESC
		LIMIT $%d OFFSET $%d`, whereClause, argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list activity")
	}
	defer rows.Close()

	out := []*Activity{}
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.UserID, &a.UserName, &a.UserEmail,
			&a.Activity, &a.Description, &a.IPAddress, &a.CreatedAt); err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan activity")
		}
		out = append(out, &a)
	}
	return out, total, rows.Err()
}

// ActivitySummary counts activity lines since the given time, grouped by
// activity, largest first.
func (r *Repository) ActivitySummary(ctx context.Context, since time.Time, limit int) ([]ActivityCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT activity, COUNT(*) FROM activity_logs
		WHERE created_at >= $1
		GROUP BY activity
		ORDER BY COUNT(*) DESC, activity
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to summarize activity")
	}
	defer rows.Close()

	out := []ActivityCount{}
	for rows.Next() {
		var c ActivityCount
		if err := rows.Scan(&c.Activity, &c.Count); err != nil {
			return nil, errors.Wrap(err, "failed to scan activity count")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PurgeActivity deletes activity lines older than cutoff.
func (r *Repository) PurgeActivity(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM activity_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge activity")
	}
	return tag.RowsAffected(), nil
}
