package repository

import (
	"time"

	"github.com/jmoiron/sqlx"
)

// ext picks the in-flight transaction when there is one.
func ext(db *sqlx.DB, tx *sqlx.Tx) sqlx.ExtContext {
	if tx != nil {
		return tx
	}
	return db
}

// dbTime normalises timestamps to UTC whole seconds so they compare the same
// way in postgres and in sqlite's text representation.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func dbTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := dbTime(*t)
	return &v
}

func dbNow() time.Time {
	return dbTime(time.Now())
}
