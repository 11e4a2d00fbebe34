// Package storage persists generation jobs. Two backends share one contract:
// PostgresJobStore for deployments and MemoryJobStore for tests and local runs.
package storage

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/cuongbtq/restyle-pipeline/shared/postgresql"
)

//go:embed schema.sql
var schema string

// Schema returns the DDL for jobs and the credit ledger.
func Schema() string {
	return schema
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, pg *postgresql.Client) error {
	if err := pg.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// JobFilter narrows a listing. Results are ordered newest first.
type JobFilter struct {
	UserID   string
	Kind     string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last row of the previous page.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// HandleUpdate records which provider strategy is serving a job.
type HandleUpdate struct {
	ProviderJobID  string
	Strategy       string
	StrategyParams []byte
}
