package models

// Setting is a persisted installation-level option.
type Setting struct {
	Key   string `gorm:"primaryKey;size:64" json:"key"`
	Value string `gorm:"not null" json:"-"`
}
