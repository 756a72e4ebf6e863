package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepoint/hospital/internal/shared/database"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/types"
)

// Constraint names from the schema
const (
	constraintMedicine = "medicines_name_manufacturer_strength_key"
	constraintTestCode = "pathology_tests_test_code_key"
)

var (
	// ErrDuplicateMedicine is returned for a second (name, manufacturer, strength)
	ErrDuplicateMedicine = errors.Validation("Medicine with same name, manufacturer, and strength already exists", nil)
	// ErrDuplicateTestCode is returned for a second test_code
	ErrDuplicateTestCode = errors.Validation("Test code already exists", map[string]string{"test_code": "taken"})
	// ErrMedicineInUse blocks deleting a prescribed medicine
	ErrMedicineInUse = errors.Validation("Cannot delete medicine that is used in prescriptions. Consider deactivating instead.", nil)
	// ErrTestInUse blocks deleting a prescribed test
	ErrTestInUse = errors.Validation("Cannot delete test that is used in prescriptions. Consider deactivating instead.", nil)
)

// Repository handles catalog persistence
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new catalog repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// where builds the WHERE clause shared by list queries. searchColumns are
// matched case-insensitively against the search term.
func where(filter ListFilter, searchColumns ...string) (string, []interface{}, int) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.ActiveOnly {
		conditions = append(conditions, "is_active = TRUE")
	}

	if filter.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", argNum))
		args = append(args, filter.Category)
		argNum++
	}

	if filter.Search != "" {
		matches := make([]string, len(searchColumns))
		for i, col := range searchColumns {
			matches[i] = fmt.Sprintf(`%s ILIKE $%d ESCAPE '\'`, col, argNum)
		}
		conditions = append(conditions, "("+strings.Join(matches, " OR ")+")")
		args = append(args, database.Contains(filter.Search))
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}
	return whereClause, args, argNum
}

const selectMedicine = `
	SELECT id, name, generic_name, manufacturer, dosage_form, strength, category, description,
		side_effects, contraindications, price::float8, stock_quantity, is_active, created_at, updated_at
	FROM medicines`

func scanMedicine(row pgx.Row) (*Medicine, error) {
	var m Medicine
	err := row.Scan(&m.ID, &m.Name, &m.GenericName, &m.Manufacturer, &m.DosageForm, &m.Strength, &m.Category,
		&m.Description, &m.SideEffects, &m.Contraindications, &m.Price, &m.StockQuantity, &m.IsActive,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMedicines(rows pgx.Rows) ([]*Medicine, error) {
	defer rows.Close()
	medicines := []*Medicine{}
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan medicine")
		}
		medicines = append(medicines, m)
	}
	return medicines, rows.Err()
}

// ListMedicines lists medicines ordered by name
func (r *Repository) ListMedicines(ctx context.Context, filter ListFilter) ([]*Medicine, int, error) {
	whereClause, args, argNum := where(filter, "name", "generic_name", "manufacturer", "description")

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM medicines"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count medicines")
	}

	query := fmt.Sprintf("%s%s ORDER BY name ASC LIMIT $%d OFFSET $%d", selectMedicine, whereClause, argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list medicines")
	}
	medicines, err := collectMedicines(rows)
	return medicines, total, err
}

// GetMedicine loads one medicine
func (r *Repository) GetMedicine(ctx context.Context, id types.ID) (*Medicine, error) {
	m, err := scanMedicine(r.pool.QueryRow(ctx, selectMedicine+" WHERE id = $1", id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("Medicine", id.String())
		}
		return nil, errors.Wrap(err, "failed to get medicine")
	}
	return m, nil
}

// CreateMedicine inserts m
func (r *Repository) CreateMedicine(ctx context.Context, m *Medicine) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO medicines (id, name, generic_name, manufacturer, dosage_form, strength, category, description,
			side_effects, contraindications, price, stock_quantity, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		m.ID, m.Name, m.GenericName, m.Manufacturer, m.DosageForm, m.Strength, m.Category, m.Description,
		m.SideEffects, m.Contraindications, m.Price, m.StockQuantity, m.IsActive, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if errors.IsUniqueViolation(err, constraintMedicine) {
			return ErrDuplicateMedicine
		}
		return errors.Wrap(err, "failed to create medicine")
	}
	return nil
}

// UpdateMedicine rewrites every column of m
func (r *Repository) UpdateMedicine(ctx context.Context, m *Medicine) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE medicines
		SET name = $2, generic_name = $3, manufacturer = $4, dosage_form = $5, strength = $6, category = $7,
			description = $8, side_effects = $9, contraindications = $10, price = $11, stock_quantity = $12,
			is_active = $13, updated_at = $14
		WHERE id = $1`,
		m.ID, m.Name, m.GenericName, m.Manufacturer, m.DosageForm, m.Strength, m.Category,
		m.Description, m.SideEffects, m.Contraindications, m.Price, m.StockQuantity, m.IsActive, m.UpdatedAt,
	)
	if err != nil {
		if errors.IsUniqueViolation(err, constraintMedicine) {
			return ErrDuplicateMedicine
		}
		return errors.Wrap(err, "failed to update medicine")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("Medicine", m.ID.String())
	}
	return nil
}

// DeleteMedicine removes a medicine no prescription refers to
func (r *Repository) DeleteMedicine(ctx context.Context, id types.ID) error {
	var used int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM prescription_medicines WHERE medicine_id = $1`, id).Scan(&used); err != nil {
		return errors.Wrap(err, "failed to check medicine usage")
	}
	if used > 0 {
		return ErrMedicineInUse
	}

	result, err := r.pool.Exec(ctx, `DELETE FROM medicines WHERE id = $1`, id)
	if err != nil {
		if errors.IsForeignKeyViolation(err) {
			return ErrMedicineInUse
		}
		return errors.Wrap(err, "failed to delete medicine")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("Medicine", id.String())
	}
	return nil
}

func (r *Repository) categories(ctx context.Context, table string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT category FROM `+table+`
		WHERE is_active = TRUE AND category <> ''
		ORDER BY category`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list categories")
	}
	categories, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan categories")
	}
	return categories, nil
}

// MedicineCategories lists the categories of active medicines
func (r *Repository) MedicineCategories(ctx context.Context) ([]string, error) {
	return r.categories(ctx, "medicines")
}

// LowStock lists active medicines at or below threshold, lowest first
func (r *Repository) LowStock(ctx context.Context, threshold int) ([]*Medicine, error) {
	rows, err := r.pool.Query(ctx, selectMedicine+`
		WHERE stock_quantity <= $1 AND is_active = TRUE
		ORDER BY stock_quantity ASC, name ASC`, threshold)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list low stock medicines")
	}
	return collectMedicines(rows)
}

// SearchMedicines finds active medicines; name prefix matches rank first,
// then generic name prefix matches.
func (r *Repository) SearchMedicines(ctx context.Context, q string, limit int) ([]*Medicine, error) {
	rows, err := r.pool.Query(ctx, selectMedicine+`
		WHERE is_active = TRUE AND (
			name ILIKE $1 ESCAPE '\' OR generic_name ILIKE $1 ESCAPE '\' OR manufacturer ILIKE $1 ESCAPE '\'
			OR (name || ' ' || generic_name || ' ' || manufacturer) ILIKE $1 ESCAPE '\'
		)
		ORDER BY
			CASE
				WHEN name ILIKE $2 ESCAPE '\' THEN 1
				WHEN generic_name ILIKE $2 ESCAPE '\' THEN 2
				ELSE 3
			END,
			name
		LIMIT $3`, database.Contains(q), database.Prefix(q), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search medicines")
	}
	return collectMedicines(rows)
}

const selectTest = `
	SELECT id, test_name, test_code, category, description, preparation_instructions, normal_values,
		price::float8, duration_hours, is_active, created_at, updated_at
	FROM pathology_tests`

func scanTest(row pgx.Row) (*Test, error) {
	var t Test
	err := row.Scan(&t.ID, &t.TestName, &t.TestCode, &t.Category, &t.Description, &t.PreparationInstructions,
		&t.NormalValues, &t.Price, &t.DurationHours, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTests(rows pgx.Rows) ([]*Test, error) {
	defer rows.Close()
	tests := []*Test{}
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan test")
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// ListTests lists pathology tests ordered by name
func (r *Repository) ListTests(ctx context.Context, filter ListFilter) ([]*Test, int, error) {
	whereClause, args, argNum := where(filter, "test_name", "test_code", "description")

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM pathology_tests"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count tests")
	}

	query := fmt.Sprintf("%s%s ORDER BY test_name ASC LIMIT $%d OFFSET $%d", selectTest, whereClause, argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list tests")
	}
	tests, err := collectTests(rows)
	return tests, total, err
}

// GetTest loads one pathology test
func (r *Repository) GetTest(ctx context.Context, id types.ID) (*Test, error) {
	t, err := scanTest(r.pool.QueryRow(ctx, selectTest+" WHERE id = $1", id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("Test", id.String())
		}
		return nil, errors.Wrap(err, "failed to get test")
	}
	return t, nil
}

// CreateTest inserts t
func (r *Repository) CreateTest(ctx context.Context, t *Test) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pathology_tests (id, test_name, test_code, category, description, preparation_instructions,
			normal_values, price, duration_hours, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.TestName, t.TestCode, t.Category, t.Description, t.PreparationInstructions,
		t.NormalValues, t.Price, t.DurationHours, t.IsActive, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if errors.IsUniqueViolation(err, constraintTestCode) {
			return ErrDuplicateTestCode
		}
		return errors.Wrap(err, "failed to create test")
	}
	return nil
}

// UpdateTest rewrites every column of t
func (r *Repository) UpdateTest(ctx context.Context, t *Test) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE pathology_tests
		SET test_name = $2, test_code = $3, category = $4, description = $5, preparation_instructions = $6,
			normal_values = $7, price = $8, duration_hours = $9, is_active = $10, updated_at = $11
		WHERE id = $1`,
		t.ID, t.TestName, t.TestCode, t.Category, t.Description, t.PreparationInstructions,
		t.NormalValues, t.Price, t.DurationHours, t.IsActive, t.UpdatedAt,
	)
	if err != nil {
		if errors.IsUniqueViolation(err, constraintTestCode) {
			return ErrDuplicateTestCode
		}
		return errors.Wrap(err, "failed to update test")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("Test", t.ID.String())
	}
	return nil
}

// DeleteTest removes a test no prescription refers to
func (r *Repository) DeleteTest(ctx context.Context, id types.ID) error {
	var used int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM prescription_tests WHERE test_id = $1`, id).Scan(&used); err != nil {
		return errors.Wrap(err, "failed to check test usage")
	}
	if used > 0 {
		return ErrTestInUse
	}

	result, err := r.pool.Exec(ctx, `DELETE FROM pathology_tests WHERE id = $1`, id)
	if err != nil {
		if errors.IsForeignKeyViolation(err) {
			return ErrTestInUse
		}
		return errors.Wrap(err, "failed to delete test")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("Test", id.String())
	}
	return nil
}

// TestCategories lists the categories of active tests
func (r *Repository) TestCategories(ctx context.Context) ([]string, error) {
	return r.categories(ctx, "pathology_tests")
}

// SearchTests finds active tests; name prefix matches rank first, then
// code prefix matches.
func (r *Repository) SearchTests(ctx context.Context, q string, limit int) ([]*Test, error) {
	rows, err := r.pool.Query(ctx, selectTest+`
		WHERE is_active = TRUE AND (
			test_name ILIKE $1 ESCAPE '\' OR test_code ILIKE $1 ESCAPE '\' OR (test_name || ' ' || test_code) ILIKE $1 ESCAPE '\'
		)
		ORDER BY
			CASE
				WHEN test_name ILIKE $2 ESCAPE '\' THEN 1
				WHEN test_code ILIKE $2 ESCAPE '\' THEN 2
				ELSE 3
			END,
			test_name
		LIMIT $3`, database.Contains(q), database.Prefix(q), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search tests")
	}
	return collectTests(rows)
}
