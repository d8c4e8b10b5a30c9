package projection

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/customer-cqrs/internal/model"
)

// ErrMissingField is returned when a Created event for an absent row lacks a
// required field. It is treated as retryable.
var ErrMissingField = errors.New("required field missing")

// Placeholders written when an Updated event arrives for a row that was never created.
const (
	UnknownName  = "(unknown)"
	UnknownEmail = "(unknown@invalid)"
)

// Fields is the set of view columns an event carries. Nil means absent.
type Fields struct {
	Name  *string
	Email *string
}

// Merge computes the row after applying fields at version. With an existing row
// only present fields change; version always advances. Without one, strict
// demands every field, otherwise absent fields get placeholders and are
// reported in filled.
func Merge(existing *model.CustomerView, id string, f Fields, version int64, at time.Time, strict bool) (row model.CustomerView, filled []string, err error) {
	if existing != nil {
		row = *existing
	} else {
		row = model.CustomerView{ID: id}
		if f.Name == nil {
			if strict {
				return model.CustomerView{}, nil, fmt.Errorf("%w: name for %s", ErrMissingField, id)
			}
			row.Name = UnknownName
			filled = append(filled, "name")
		}
		if f.Email == nil {
			if strict {
				return model.CustomerView{}, nil, fmt.Errorf("%w: email for %s", ErrMissingField, id)
			}
			row.Email = UnknownEmail
			filled = append(filled, "email")
		}
	}

	if f.Name != nil {
		row.Name = *f.Name
	}
	if f.Email != nil {
		row.Email = *f.Email
	}
	row.Version = version
	row.UpdatedAt = at
	return row, filled, nil
}
