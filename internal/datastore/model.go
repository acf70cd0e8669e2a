package datastore

import "time"

// Scan results. Pass and fail come from the reducer; overridden is written by an
// operator approving a flagged part.
const (
	ResultPass       = "pass"
	ResultFail       = "fail"
	ResultOverridden = "overridden"
)

// ValidResult reports whether result may be stored.
func ValidResult(result string) bool {
	switch result {
	case ResultPass, ResultFail, ResultOverridden:
		return true
	}
	return false
}

// InspectionRecord is one persisted scan. CreatedAt and Confidence never change
// after insert; Result changes only through UpdateResult.
type InspectionRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id" yaml:"id"`
	CreatedAt  time.Time `gorm:"index;not null" json:"created_at" yaml:"created_at"`
	Vendor     string    `gorm:"size:255;index;not null" json:"vendor" yaml:"vendor"`
	LotID      string    `gorm:"size:255;index;not null" json:"lot_id" yaml:"lot_id"`
	PartNumber string    `gorm:"size:255;not null" json:"part_number" yaml:"part_number"`
	Result     string    `gorm:"size:16;index;not null" json:"result" yaml:"result"`
	Confidence float64   `gorm:"not null" json:"confidence" yaml:"confidence"`
	Operator   string    `gorm:"size:255;not null" json:"operator" yaml:"operator"`
	ImageURL   *string   `gorm:"size:1024" json:"image_url" yaml:"image_url"`
}

// TableName pins the table name shared by every backend.
func (InspectionRecord) TableName() string {
	return "inspection_records"
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Result string // exact match
	Query  string // case-insensitive substring of part number, lot id or vendor
	Limit  int
}
