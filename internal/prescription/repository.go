package prescription

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carepoint/hospital/internal/shared/database"
	"github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/types"
)

const constraintNumber = "prescriptions_number_key"

var (
	// ErrNumberTaken is returned when a generated prescription number collides
	ErrNumberTaken = errors.Conflict("Prescription number already exists")

	errAppointmentMissing = errors.Validation("Appointment not found", map[string]string{"appointment_id": "unknown appointment"})
)

// RenderFunc writes the document of a stored prescription and records its
// path and filename on p. It runs before the surrounding transaction commits.
type RenderFunc func(p *Prescription) error

// Repository handles prescription and template persistence
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new prescription repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ActivePatient reports whether id is an active patient account
func (r *Repository) ActivePatient(ctx context.Context, id types.ID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE id = $1 AND role = 'patient' AND status = 'active')`,
		id,
	).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "failed to check patient")
	}
	return ok, nil
}

// Create inserts p with its lines, renders its document and links it, all
// in one transaction.
func (r *Repository) Create(ctx context.Context, p *Prescription, render RenderFunc) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO prescriptions (id, doctor_id, patient_id, appointment_id, prescription_number, diagnosis,
			symptoms, notes, follow_up_date, prescription_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::date, $10, $11, $12, $13)`,
		p.ID, p.DoctorID, p.PatientID, p.AppointmentID, p.PrescriptionNumber, p.Diagnosis,
		p.Symptoms, p.Notes, dateArg(p.FollowUpDate), p.PrescriptionDate, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if errors.IsUniqueViolation(err, constraintNumber) {
			return ErrNumberTaken
		}
		if errors.IsForeignKeyViolation(err) {
			return errAppointmentMissing
		}
		return errors.Wrap(err, "failed to create prescription")
	}

	if err := insertLines(ctx, tx, p); err != nil {
		return err
	}
	if err := r.finish(ctx, tx, p, render); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit prescription")
	}
	return nil
}

// Update rewrites the header of p. Medicines and tests are replaced when the
// matching flag is set. The document is rendered again before commit.
func (r *Repository) Update(ctx context.Context, p *Prescription, replaceMedicines, replaceTests bool, render RenderFunc) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE prescriptions
		SET diagnosis = $2, symptoms = $3, notes = $4, follow_up_date = $5::date, updated_at = $6
		WHERE id = $1`,
		p.ID, p.Diagnosis, p.Symptoms, p.Notes, dateArg(p.FollowUpDate), p.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update prescription")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("Prescription", p.ID.String())
	}

	if replaceMedicines {
		if _, err := tx.Exec(ctx, `DELETE FROM prescription_medicines WHERE prescription_id = $1`, p.ID); err != nil {
			return errors.Wrap(err, "failed to clear medicines")
		}
	} else if p.Medicines, err = medicineLines(ctx, tx, p.ID); err != nil {
		return err
	}

	if replaceTests {
		if _, err := tx.Exec(ctx, `DELETE FROM prescription_tests WHERE prescription_id = $1`, p.ID); err != nil {
			return errors.Wrap(err, "failed to clear tests")
		}
	} else if p.Tests, err = testLines(ctx, tx, p.ID); err != nil {
		return err
	}

	lines := &Prescription{ID: p.ID}
	if replaceMedicines {
		lines.Medicines = p.Medicines
	}
	if replaceTests {
		lines.Tests = p.Tests
	}
	if err := insertLines(ctx, tx, lines); err != nil {
		return err
	}

	if err := r.finish(ctx, tx, p, render); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit prescription")
	}
	return nil
}

// finish loads the party names onto p, renders it and stores the link.
func (r *Repository) finish(ctx context.Context, tx pgx.Tx, p *Prescription, render RenderFunc) error {
	err := tx.QueryRow(ctx, `
		SELECT du.name, COALESCE(d.specialty, ''), COALESCE(d.license_number, ''), pu.name
		FROM users du
		LEFT JOIN doctors d ON d.user_id = du.id
		JOIN users pu ON pu.id = $2
		WHERE du.id = $1`,
		p.DoctorID, p.PatientID,
	).Scan(&p.DoctorName, &p.DoctorSpecialty, &p.LicenseNumber, &p.PatientName)
	if err != nil {
		return errors.Wrap(err, "failed to load prescription parties")
	}

	if render == nil {
		return nil
	}
	if err := render(p); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE prescriptions SET document_path = $2, document_filename = $3 WHERE id = $1`,
		p.ID, p.DocumentPath, p.DocumentFilename,
	)
	if err != nil {
		return errors.Wrap(err, "failed to link prescription document")
	}
	return nil
}

// insertLines stores the lines of p in order. An empty medicine or test
// name falls back to the catalog name.
func insertLines(ctx context.Context, q database.Querier, p *Prescription) error {
	for i, m := range p.Medicines {
		err := q.QueryRow(ctx, `
			INSERT INTO prescription_medicines (id, prescription_id, medicine_id, medicine_name, dosage, frequency,
				duration, instructions, quantity, position)
			SELECT $1, $2, m.id, COALESCE(NULLIF($4, ''), m.name), $5, $6, $7, $8, $9, $10
			FROM medicines m WHERE m.id = $3
			RETURNING medicine_name`,
			m.ID, p.ID, m.MedicineID, m.MedicineName, m.Dosage, m.Frequency,
			m.Duration, m.Instructions, m.Quantity, i,
		).Scan(&m.MedicineName)
		if err != nil {
			if err == pgx.ErrNoRows {
				return errors.Validation(fmt.Sprintf("Medicine not found in medicine line %d", i+1), map[string]string{"medicine_id": m.MedicineID.String()})
			}
			return errors.Wrap(err, "failed to add prescription medicine")
		}
	}

	for i, t := range p.Tests {
		err := q.QueryRow(ctx, `
			INSERT INTO prescription_tests (id, prescription_id, test_id, test_name, instructions, urgency, position)
			SELECT $1, $2, t.id, COALESCE(NULLIF($4, ''), t.test_name), $5, $6, $7
			FROM pathology_tests t WHERE t.id = $3
			RETURNING test_name`,
			t.ID, p.ID, t.TestID, t.TestName, t.Instructions, t.Urgency, i,
		).Scan(&t.TestName)
		if err != nil {
			if err == pgx.ErrNoRows {
				return errors.Validation(fmt.Sprintf("Test not found in test line %d", i+1), map[string]string{"test_id": t.TestID.String()})
			}
			return errors.Wrap(err, "failed to add prescription test")
		}
	}
	return nil
}

// Delete removes a prescription and its lines in one transaction
func (r *Repository) Delete(ctx context.Context, id types.ID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM prescription_medicines WHERE prescription_id = $1`, id); err != nil {
		return errors.Wrap(err, "failed to delete prescription medicines")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM prescription_tests WHERE prescription_id = $1`, id); err != nil {
		return errors.Wrap(err, "failed to delete prescription tests")
	}
	result, err := tx.Exec(ctx, `DELETE FROM prescriptions WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete prescription")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("Prescription", id.String())
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit prescription delete")
	}
	return nil
}

const selectPrescription = `
	SELECT p.id, p.doctor_id, p.patient_id, p.appointment_id, p.prescription_number,
		p.diagnosis, p.symptoms, p.notes, to_char(p.follow_up_date, 'YYYY-MM-DD'),
		p.prescription_date, p.status, p.document_path, p.document_filename, p.created_at, p.updated_at,
		du.name, du.email, COALESCE(d.specialty, ''), COALESCE(d.license_number, ''), pu.name, pu.email,
		(SELECT COUNT(*) FROM prescription_medicines pm WHERE pm.prescription_id = p.id),
		(SELECT COUNT(*) FROM prescription_tests pt WHERE pt.prescription_id = p.id)
	FROM prescriptions p
	JOIN users du ON du.id = p.doctor_id
	JOIN users pu ON pu.id = p.patient_id
	LEFT JOIN doctors d ON d.user_id = p.doctor_id`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	var followUp *string
	err := row.Scan(
		&p.ID, &p.DoctorID, &p.PatientID, &p.AppointmentID, &p.PrescriptionNumber,
		&p.Diagnosis, &p.Symptoms, &p.Notes, &followUp,
		&p.PrescriptionDate, &p.Status, &p.DocumentPath, &p.DocumentFilename, &p.CreatedAt, &p.UpdatedAt,
		&p.DoctorName, &p.DoctorEmail, &p.DoctorSpecialty, &p.LicenseNumber, &p.PatientName, &p.PatientEmail,
		&p.MedicineCount, &p.TestCount,
	)
	if err != nil {
		return nil, err
	}
	if followUp != nil {
		d := types.Date(*followUp)
		p.FollowUpDate = &d
	}
	return &p, nil
}

// Get retrieves a prescription with its medicine and test lines
func (r *Repository) Get(ctx context.Context, id types.ID) (*Prescription, error) {
	p, err := scanPrescription(r.pool.QueryRow(ctx, selectPrescription+` WHERE p.id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("Prescription", id.String())
		}
		return nil, errors.Wrap(err, "failed to get prescription")
	}

	if p.Medicines, err = medicineLines(ctx, r.pool, id); err != nil {
		return nil, err
	}
	if p.Tests, err = testLines(ctx, r.pool, id); err != nil {
		return nil, err
	}
	return p, nil
}

func medicineLines(ctx context.Context, q database.Querier, id types.ID) ([]*MedicineLine, error) {
	rows, err := q.Query(ctx, `
		SELECT pm.id, pm.medicine_id, pm.medicine_name, pm.dosage, pm.frequency, pm.duration,
			pm.instructions, pm.quantity, m.generic_name, m.manufacturer, m.category, m.price::float8
		FROM prescription_medicines pm
		LEFT JOIN medicines m ON m.id = pm.medicine_id
		WHERE pm.prescription_id = $1
		ORDER BY pm.position`,
		id,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load prescription medicines")
	}
	defer rows.Close()

	lines := []*MedicineLine{}
	for rows.Next() {
		var m MedicineLine
		err := rows.Scan(&m.ID, &m.MedicineID, &m.MedicineName, &m.Dosage, &m.Frequency, &m.Duration,
			&m.Instructions, &m.Quantity, &m.GenericName, &m.Manufacturer, &m.Category, &m.Price)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan prescription medicine")
		}
		lines = append(lines, &m)
	}
	return lines, rows.Err()
}

func testLines(ctx context.Context, q database.Querier, id types.ID) ([]*TestLine, error) {
	rows, err := q.Query(ctx, `
		SELECT pt.id, pt.test_id, pt.test_name, pt.instructions, pt.urgency,
			t.test_code, t.category, t.price::float8, t.duration_hours
		FROM prescription_tests pt
		LEFT JOIN pathology_tests t ON t.id = pt.test_id
		WHERE pt.prescription_id = $1
		ORDER BY pt.position`,
		id,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load prescription tests")
	}
	defer rows.Close()

	lines := []*TestLine{}
	for rows.Next() {
		var t TestLine
		err := rows.Scan(&t.ID, &t.TestID, &t.TestName, &t.Instructions, &t.Urgency,
			&t.TestCode, &t.Category, &t.Price, &t.DurationHours)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan prescription test")
		}
		lines = append(lines, &t)
	}
	return lines, rows.Err()
}

// List lists prescriptions with filters, newest first
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]*Prescription, int, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.DoctorID != nil {
		conditions = append(conditions, fmt.Sprintf("p.doctor_id = $%d", argNum))
		args = append(args, *filter.DoctorID)
		argNum++
	}

	if filter.PatientID != nil {
		conditions = append(conditions, fmt.Sprintf("p.patient_id = $%d", argNum))
		args = append(args, *filter.PatientID)
		argNum++
	}

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("p.status = $%d", argNum))
		args = append(args, filter.Status)
		argNum++
	}

	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf(
			`(p.prescription_number ILIKE $%[1]d ESCAPE '\' OR p.diagnosis ILIKE $%[1]d ESCAPE '\'
			OR du.name ILIKE $%[1]d ESCAPE '\' OR pu.name ILIKE $%[1]d ESCAPE '\')`,
			argNum))
		args = append(args, database.Contains(filter.Search))
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := `
		SELECT COUNT(*)
		FROM prescriptions p
		JOIN users du ON du.id = p.doctor_id
		JOIN users pu ON pu.id = p.patient_id` + whereClause
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count prescriptions")
	}

	query := fmt.Sprintf("%s%s ORDER BY p.prescription_date DESC LIMIT $%d OFFSET $%d",
		selectPrescription, whereClause, argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list prescriptions")
	}
	defer rows.Close()

	prescriptions := []*Prescription{}
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan prescription")
		}
		prescriptions = append(prescriptions, p)
	}
	return prescriptions, total, rows.Err()
}

const selectTemplate = `
	SELECT id, doctor_id, template_name, diagnosis, symptoms, notes, medicines, tests, is_active, created_at
	FROM prescription_templates`

func scanTemplate(row pgx.Row) (*Template, error) {
	var t Template
	var medicines, tests []byte
	err := row.Scan(&t.ID, &t.DoctorID, &t.TemplateName, &t.Diagnosis, &t.Symptoms, &t.Notes,
		&medicines, &tests, &t.IsActive, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Medicines = emptyArray(json.RawMessage(medicines))
	t.Tests = emptyArray(json.RawMessage(tests))
	return &t, nil
}

// Templates lists a doctor's active templates, newest first
func (r *Repository) Templates(ctx context.Context, doctorID types.ID) ([]*Template, error) {
	rows, err := r.pool.Query(ctx, selectTemplate+`
		WHERE doctor_id = $1 AND is_active = TRUE
		ORDER BY created_at DESC`,
		doctorID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list templates")
	}
	defer rows.Close()

	templates := []*Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan template")
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// Template loads one active template owned by doctorID
func (r *Repository) Template(ctx context.Context, doctorID, id types.ID) (*Template, error) {
	t, err := scanTemplate(r.pool.QueryRow(ctx, selectTemplate+`
		WHERE id = $1 AND doctor_id = $2 AND is_active = TRUE`,
		id, doctorID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFoundMessage("Template not found")
		}
		return nil, errors.Wrap(err, "failed to get template")
	}
	return t, nil
}

// SaveTemplate inserts a template
func (r *Repository) SaveTemplate(ctx context.Context, t *Template) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO prescription_templates (id, doctor_id, template_name, diagnosis, symptoms, notes, medicines, tests, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10)`,
		t.ID, t.DoctorID, t.TemplateName, t.Diagnosis, t.Symptoms, t.Notes,
		string(t.Medicines), string(t.Tests), t.IsActive, t.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save template")
	}
	return nil
}

func dateArg(d *types.Date) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
