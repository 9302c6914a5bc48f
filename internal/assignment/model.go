package assignment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

const dayKeyLayout = "2006-01-02"

var (
	// ErrInvalidTenantID indicates that a tenant identifier is empty or exceeds storage bounds.
	ErrInvalidTenantID = errors.New("assignment: invalid tenant id")
	// ErrInvalidDayKey indicates that a day key is not a YYYY-MM-DD date.
	ErrInvalidDayKey = errors.New("assignment: invalid day key")
	// ErrUnknownRecord indicates that no record exists for the requested identifier.
	ErrUnknownRecord = errors.New("assignment: unknown record")
	// ErrInvalidField indicates that a patch references a field outside the mutable whitelist.
	ErrInvalidField = errors.New("assignment: field not patchable")
)

// TenantID represents a validated tenant identifier.
type TenantID string

// NewTenantID validates raw input and returns a TenantID.
func NewTenantID(rawInput string) (TenantID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTenantID, maxIdentifierLength)
	}
	return TenantID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TenantID) String() string {
	return string(id)
}

// DayKey represents a validated YYYY-MM-DD date partition key.
type DayKey string

// NewDayKey validates raw input and returns a DayKey.
func NewDayKey(rawInput string) (DayKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDayKey)
	}
	if _, err := time.Parse(dayKeyLayout, trimmed); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDayKey, trimmed)
	}
	return DayKey(trimmed), nil
}

// DayKeyOf returns the DayKey for the provided instant in its location.
func DayKeyOf(instant time.Time) DayKey {
	return DayKey(instant.Format(dayKeyLayout))
}

// String returns the underlying string key.
func (key DayKey) String() string {
	return string(key)
}

// Scope identifies the tenant+day partition a checkpoint and pull cycle apply to.
type Scope struct {
	Tenant TenantID
	Day    DayKey
}

// NewScope validates both components and returns a Scope.
func NewScope(tenant, day string) (Scope, error) {
	tenantID, err := NewTenantID(tenant)
	if err != nil {
		return Scope{}, err
	}
	dayKey, err := NewDayKey(day)
	if err != nil {
		return Scope{}, err
	}
	return Scope{Tenant: tenantID, Day: dayKey}, nil
}

// Key returns the canonical storage key for the scope.
func (s Scope) Key() string {
	return s.Tenant.String() + "|" + s.Day.String()
}

// Record models the locally cached projection of one server-side dispatch
// assignment, together with its sync metadata. PendingSync and
// LocalUpdatedAtMillis never cross the wire.
type Record struct {
	ID       string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	TenantID string `gorm:"column:tenant_id;size:190;not null;index:idx_assignments_scope,priority:1" json:"tenant_id"`
	DayKey   string `gorm:"column:day_key;size:10;not null;index:idx_assignments_scope,priority:2" json:"day_key"`

	VanLabel     string `gorm:"column:van_label;size:190;not null;default:''" json:"van_label"`
	DriverID     string `gorm:"column:driver_id;size:190;not null;default:''" json:"driver_id"`
	DriverName   string `gorm:"column:driver_name;size:190;not null;default:''" json:"driver_name"`
	Lot          string `gorm:"column:lot;size:190;not null;default:''" json:"lot"`
	Zone         string `gorm:"column:zone;size:190;not null;default:''" json:"zone"`
	DispatchTime string `gorm:"column:dispatch_time;size:64;not null;default:''" json:"dispatch_time"`
	CartLocation string `gorm:"column:cart_location;size:190;not null;default:''" json:"cart_location"`
	Pad          string `gorm:"column:pad;size:190;not null;default:''" json:"pad"`

	KeyStatus         string `gorm:"column:key_status;size:64;not null;default:''" json:"key_status"`
	CardGiven         bool   `gorm:"column:card_given;not null;default:false" json:"card_given"`
	KeyHolder         string `gorm:"column:key_holder;size:190;not null;default:''" json:"key_holder"`
	Verified          bool   `gorm:"column:verified;not null;default:false" json:"verified"`
	VerifiedAtMillis  int64  `gorm:"column:verified_at_ms;not null;default:0" json:"verified_at_ms"`
	VerifiedBy        string `gorm:"column:verified_by;size:190;not null;default:''" json:"verified_by"`
	RolledOut         bool   `gorm:"column:rolled_out;not null;default:false" json:"rolled_out"`
	RolledOutAtMillis int64  `gorm:"column:rolled_out_at_ms;not null;default:0" json:"rolled_out_at_ms"`
	RolledOutBy       string `gorm:"column:rolled_out_by;size:190;not null;default:''" json:"rolled_out_by"`
	CartOverride      string `gorm:"column:cart_override;size:190;not null;default:''" json:"cart_override"`
	Notes             string `gorm:"column:notes;type:text;not null;default:''" json:"notes"`

	ServerUpdatedAtMillis int64 `gorm:"column:server_updated_at_ms;not null;default:0;index:idx_assignments_scope,priority:3" json:"server_updated_at_ms"`
	LocalUpdatedAtMillis  int64 `gorm:"column:local_updated_at_ms;not null;default:0" json:"-"`
	PendingSync           bool  `gorm:"column:pending_sync;not null;default:false" json:"-"`
	Deleted               bool  `gorm:"column:deleted;not null;default:false" json:"deleted"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "assignments"
}

// Scope returns the tenant+day partition the record belongs to.
func (r Record) Scope() Scope {
	return Scope{Tenant: TenantID(r.TenantID), Day: DayKey(r.DayKey)}
}

// Patch maps whitelisted mutable field names to replacement values.
type Patch map[string]any

// Mutable field names. These are the only keys a Patch may carry; every
// other record field is server-authoritative.
const (
	FieldKeyStatus         = "key_status"
	FieldCardGiven         = "card_given"
	FieldKeyHolder         = "key_holder"
	FieldVerified          = "verified"
	FieldVerifiedAtMillis  = "verified_at_ms"
	FieldVerifiedBy        = "verified_by"
	FieldRolledOut         = "rolled_out"
	FieldRolledOutAtMillis = "rolled_out_at_ms"
	FieldRolledOutBy       = "rolled_out_by"
	FieldCartOverride      = "cart_override"
	FieldNotes             = "notes"
)

type fieldApplier func(record *Record, value any) error

var patchAppliers = map[string]fieldApplier{
	FieldKeyStatus: func(record *Record, value any) error {
		return assignString(&record.KeyStatus, FieldKeyStatus, value)
	},
	FieldCardGiven: func(record *Record, value any) error {
		return assignBool(&record.CardGiven, FieldCardGiven, value)
	},
	FieldKeyHolder: func(record *Record, value any) error {
		return assignString(&record.KeyHolder, FieldKeyHolder, value)
	},
	FieldVerified: func(record *Record, value any) error {
		return assignBool(&record.Verified, FieldVerified, value)
	},
	FieldVerifiedAtMillis: func(record *Record, value any) error {
		return assignInt64(&record.VerifiedAtMillis, FieldVerifiedAtMillis, value)
	},
	FieldVerifiedBy: func(record *Record, value any) error {
		return assignString(&record.VerifiedBy, FieldVerifiedBy, value)
	},
	FieldRolledOut: func(record *Record, value any) error {
		return assignBool(&record.RolledOut, FieldRolledOut, value)
	},
	FieldRolledOutAtMillis: func(record *Record, value any) error {
		return assignInt64(&record.RolledOutAtMillis, FieldRolledOutAtMillis, value)
	},
	FieldRolledOutBy: func(record *Record, value any) error {
		return assignString(&record.RolledOutBy, FieldRolledOutBy, value)
	},
	FieldCartOverride: func(record *Record, value any) error {
		return assignString(&record.CartOverride, FieldCartOverride, value)
	},
	FieldNotes: func(record *Record, value any) error {
		return assignString(&record.Notes, FieldNotes, value)
	},
}

// ValidatePatch ensures every patch key is inside the mutable whitelist and
// every value has a usable type. It never mutates anything.
func ValidatePatch(patch Patch) error {
	if len(patch) == 0 {
		return fmt.Errorf("%w: empty patch", ErrInvalidField)
	}
	scratch := Record{}
	for key, value := range patch {
		applier, ok := patchAppliers[key]
		if !ok {
			return fmt.Errorf("%w: %q", ErrInvalidField, key)
		}
		if err := applier(&scratch, value); err != nil {
			return err
		}
	}
	return nil
}

// ApplyPatch merges whitelisted fields into the record. Callers are expected
// to have validated the patch; a non-whitelisted key still fails here so a
// partial merge is never visible.
func ApplyPatch(record *Record, patch Patch) error {
	if err := ValidatePatch(patch); err != nil {
		return err
	}
	for key, value := range patch {
		if err := patchAppliers[key](record, value); err != nil {
			return err
		}
	}
	return nil
}

func assignString(target *string, field string, value any) error {
	text, ok := value.(string)
	if !ok {
		return fmt.Errorf("%w: %q expects a string, got %T", ErrInvalidField, field, value)
	}
	*target = text
	return nil
}

func assignBool(target *bool, field string, value any) error {
	flag, ok := value.(bool)
	if !ok {
		return fmt.Errorf("%w: %q expects a bool, got %T", ErrInvalidField, field, value)
	}
	*target = flag
	return nil
}

// assignInt64 accepts the numeric shapes a patch can arrive in: native
// integers from local builders and float64 or json.Number after a decode.
func assignInt64(target *int64, field string, value any) error {
	switch typed := value.(type) {
	case int64:
		*target = typed
	case int:
		*target = int64(typed)
	case float64:
		*target = int64(typed)
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return fmt.Errorf("%w: %q expects an integer, got %q", ErrInvalidField, field, typed.String())
		}
		*target = parsed
	default:
		return fmt.Errorf("%w: %q expects an integer, got %T", ErrInvalidField, field, value)
	}
	return nil
}
