package journal

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// ULID is a ulid.ULID stored as its 26 character string.
type ULID ulid.ULID

// NewULID generates a new ULID.
func NewULID() ULID {
	return ULID(ulid.Make())
}

// ParseULID parses a ULID string.
func ParseULID(s string) (ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ULID{}, fmt.Errorf("invalid ULID: %w", err)
	}
	return ULID(id), nil
}

func (u ULID) String() string {
	return ulid.ULID(u).String()
}

// IsZero returns true if the ULID is zero/empty.
func (u ULID) IsZero() bool {
	return ulid.ULID(u).Compare(ulid.ULID{}) == 0
}

// Time returns the timestamp encoded in the ULID.
func (u ULID) Time() time.Time {
	return ulid.Time(ulid.ULID(u).Time())
}

// Value implements driver.Valuer.
func (u ULID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.String(), nil
}

// Scan implements sql.Scanner.
func (u *ULID) Scan(value any) error {
	var s string
	switch v := value.(type) {
	case nil:
		*u = ULID{}
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("unsupported type for ULID: %T", value)
	}
	if s == "" {
		*u = ULID{}
		return nil
	}
	id, err := ulid.Parse(s)
	if err != nil {
		return fmt.Errorf("scanning ULID: %w", err)
	}
	*u = ULID(id)
	return nil
}

// GormDataType returns the GORM data type for ULID.
func (ULID) GormDataType() string {
	return "varchar(26)"
}

// Entry is one terminal decision.
type Entry struct {
	ID           ULID      `gorm:"primarykey;type:varchar(26)" json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	RunID        string    `gorm:"type:varchar(26);index" json:"run_id"`
	RelPath      string    `gorm:"type:varchar(1024);index" json:"rel_path"`
	Kind         string    `gorm:"type:varchar(32);index" json:"kind"`
	Destination  string    `gorm:"type:varchar(1024)" json:"destination,omitempty"`
	OriginalSize int64     `json:"original_size"`
	OutputSize   int64     `json:"output_size"`
	ExitCode     int       `json:"exit_code"`
	Frames       int64     `json:"frames"`
	DurationMs   int64     `json:"duration_ms"`
	Reason       string    `gorm:"type:text" json:"reason,omitempty"`
}

// TableName sets the table name.
func (Entry) TableName() string {
	return "journal_entries"
}

// BeforeCreate generates a ULID if not already set.
func (e *Entry) BeforeCreate(*gorm.DB) error {
	if e.ID.IsZero() {
		e.ID = NewULID()
	}
	return nil
}
