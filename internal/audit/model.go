package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/carepoint/hospital/internal/shared/types"
)

// canonicalJSON produces deterministic JSON output with sorted map keys.
// PostgreSQL JSONB reorders keys, so hashes are computed over sorted output.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	return canonicalMarshal(parsed)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemBytes, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(val)
	}
}

// Entry is one immutable, hash-chained audit record of a data change.
type Entry struct {
	ID        types.ID  `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash,omitempty"`

	// Actor
	ActorID   *types.ID `json:"actor_id,omitempty"`
	ActorRole string    `json:"actor_role,omitempty"`
	ActorIP   string    `json:"actor_ip,omitempty"`

	// Change
	Action    string         `json:"action"`
	TableName string         `json:"table_name"`
	RecordID  *types.ID      `json:"record_id,omitempty"`
	OldValues map[string]any `json:"old_values,omitempty"`
	NewValues map[string]any `json:"new_values,omitempty"`
}

// NewEntry creates an entry for a change to one row of table.
func NewEntry(action, table string, recordID types.ID, oldValues, newValues map[string]any) *Entry {
	e := &Entry{
		ID:        types.NewID(),
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Action:    action,
		TableName: table,
		OldValues: oldValues,
		NewValues: newValues,
	}
	if !recordID.IsZero() {
		e.RecordID = &recordID
	}
	e.Hash = e.calculateHash()
	return e
}

// WithActor sets who made the change.
func (e *Entry) WithActor(id types.ID, role, ip string) *Entry {
	if !id.IsZero() {
		e.ActorID = &id
	}
	e.ActorRole = role
	e.ActorIP = ip
	e.Hash = e.calculateHash()
	return e
}

// calculateHash hashes the entry content together with the previous hash.
// The timestamp is always rendered in UTC so verification is zone independent.
func (e *Entry) calculateHash() string {
	data := map[string]any{
		"id":         e.ID,
		"sequence":   e.Sequence,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":  e.PrevHash,
		"actor_role": e.ActorRole,
		"action":     e.Action,
		"table_name": e.TableName,
	}

	if e.ActorID != nil {
		data["actor_id"] = e.ActorID
	}
	if e.RecordID != nil {
		data["record_id"] = e.RecordID
	}
	if len(e.OldValues) > 0 {
		data["old_values"] = e.OldValues
	}
	if len(e.NewValues) > 0 {
		data["new_values"] = e.NewValues
	}

	jsonData, _ := canonicalJSON(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// VerifyHash verifies the entry's hash
func (e *Entry) VerifyHash() bool {
	return e.Hash == e.calculateHash()
}

// ComputeHash computes and returns the correct hash for this entry
func (e *Entry) ComputeHash() string {
	return e.calculateHash()
}

// Activity is a user-facing activity log line (logins, registrations,
// approvals) read back by the admin dashboard.
type Activity struct {
	ID          types.ID  `json:"id"`
	UserID      *types.ID `json:"user_id,omitempty"`
	UserName    string    `json:"user_name,omitempty"`
	UserEmail   string    `json:"user_email,omitempty"`
	Activity    string    `json:"activity"`
	Description string    `json:"description"`
	IPAddress   string    `json:"ip_address"`
	CreatedAt   time.Time `json:"created_at"`
}

// ActivityCount is one bar of the dashboard's recent activity histogram.
type ActivityCount struct {
	Activity string `json:"activity"`
	Count    int    `json:"count"`
}

// ListFilter defines filters for listing audit entries
type ListFilter struct {
	Action    string
	TableName string
	ActorID   *types.ID
	RecordID  *types.ID
	Limit     int
	Offset    int
}

// ActivityFilter defines filters for listing activity lines
type ActivityFilter struct {
	Activity string
	UserID   *types.ID
	Limit    int
	Offset   int
}

// VerifyResult contains chain verification results
type VerifyResult struct {
	Valid          bool     `json:"valid"`
	Checked        int      `json:"checked"`
	ContentInvalid int      `json:"content_invalid"`
	LinkageInvalid int      `json:"linkage_invalid"`
	Violations     []string `json:"violations,omitempty"`
}

// Common audit actions
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionStatus = "status_change"
)

// Activity names
const (
	ActivityLogin          = "login"
	ActivityLoginFailed    = "login_failed"
	ActivityLogout         = "logout"
	ActivityRegister       = "register"
	ActivityPasswordChange = "password_change"
	ActivityProfileUpdate  = "profile_update"
	ActivityDoctorApproved = "doctor_approved"
	ActivityDoctorRejected = "doctor_rejected"
	ActivityUserCreated    = "user_created"
	ActivityUserUpdated    = "user_updated"
	ActivityUserDeleted    = "user_deleted"
	ActivityCertificate    = "certificate_review"
	ActivityManagerCreated = "manager_created"
	ActivityBooking        = "appointment_booked"
	ActivityPayment        = "payment_review"
	ActivityPrescription   = "prescription_issued"
	ActivityHousekeeping   = "housekeeping"
)
