package pgerror

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

const (
	uniqueViolation      = "23505"
	foreignKeyViolation  = "23503"
	checkViolation       = "23514"
	notNullViolation     = "23502"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// ConstraintName returns the violated constraint of an integrity error.
func ConstraintName(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch pgErr.Code {
	case uniqueViolation, foreignKeyViolation, checkViolation, notNullViolation:
		return pgErr.ConstraintName, pgErr.ConstraintName != ""
	}
	return "", false
}

// Classify wraps err into ErrValidation for integrity violations and into
// ErrTransientIO for everything else, including connection failures.
func Classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if constraint, ok := ConstraintName(err); ok {
		return fmt.Errorf("%w: %s violates %s", models.ErrValidation, op, constraint)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case serializationFailure, deadlockDetected:
			return fmt.Errorf("%w: %s: concurrent transaction: %v", models.ErrTransientIO, op, err)
		case notNullViolation, checkViolation:
			return fmt.Errorf("%w: %s: %v", models.ErrValidation, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", models.ErrTransientIO, op, err)
}
