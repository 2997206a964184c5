// Package statemachine applies audited state transitions to tasks and steps.
// Every transition runs in a transaction that locks the entity row, validates
// against the legal-transition tables, appends a transition record, and flips
// most_recent, so concurrent writers serialize on the row lock and the audit
// log never forks.
package statemachine

import (
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/workgraph/workgraph/internal/platform/dbctx"
)

func inTx(db *gorm.DB, dbc dbctx.Context, fn func(dbctx.Context) error) error {
	if dbc.Tx != nil {
		return fn(dbc)
	}
	return db.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: dbc.Ctx, Tx: tx})
	})
}

func marshalMetadata(metadata map[string]interface{}) datatypes.JSON {
	if len(metadata) == 0 {
		return nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
