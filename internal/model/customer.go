package model

import "time"

const AggregateCustomer = "Customer"

// Customer is the write-side aggregate persisted in the customers table.
// Version is an optimistic-lock column; it also numbers the emitted events.
type Customer struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	Version   int64     `db:"version"`
	CreatedAt time.Time `db:"-"`
	UpdatedAt time.Time `db:"-"`
}

// CustomerView is a row of the read-side customers_view table.
// Version is the last applied event version and is managed only by the projector.
type CustomerView struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email"`
	Version   int64     `db:"version" json:"version"`
	UpdatedAt time.Time `db:"-" json:"updatedAt"`
}
