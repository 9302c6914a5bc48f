package authority

import "github.com/LotlineLogistics/dispatch/internal/wire"

// AppliedMutation records the adjudication of a mutation id so a re-sent
// batch after a client timeout replays the recorded outcome instead of
// double-applying the patch.
type AppliedMutation struct {
	MutationID      string              `gorm:"column:mutation_id;primaryKey;size:190;not null"`
	RecordID        string              `gorm:"column:record_id;size:190;not null;index:idx_applied_record"`
	Status          wire.MutationStatus `gorm:"column:status;size:16;not null"`
	Error           string              `gorm:"column:error;type:text;not null;default:''"`
	AppliedAtMillis int64               `gorm:"column:applied_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AppliedMutation) TableName() string {
	return "applied_mutations"
}
