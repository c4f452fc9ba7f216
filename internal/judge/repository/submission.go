// Package repository persists submissions in MySQL and short-lived
// execution results in Redis.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"arbiter/internal/common/db"
	"arbiter/internal/judge/model"
	appErr "arbiter/pkg/errors"
)

// SubmissionRepository defines submission persistence.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *model.Submission) error
	GetByID(ctx context.Context, id string) (*model.Submission, error)

	// MarkJudging moves a Pending submission to Judging. It fails with
	// SubmissionNotFound for unknown ids and reports via the returned
	// bool whether the claim won (false means another worker already
	// holds it or the submission is no longer Pending).
	MarkJudging(ctx context.Context, id string) (bool, error)

	// Finalize writes a terminal result. Only Pending or Judging rows
	// accept it; terminal rows are immutable outside of rejudge.
	Finalize(ctx context.Context, id string, result model.ExecutionResult) error

	// ResetForRejudge moves a terminal submission back to Pending and
	// clears all result fields. Non-terminal rows are rejected.
	ResetForRejudge(ctx context.Context, id string) error

	// Delete removes a submission outright. Used to roll back intake
	// when enqueueing is refused.
	Delete(ctx context.Context, id string) error
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	db *db.MySQL
}

// NewSubmissionRepository creates a MySQL-backed submission repository.
func NewSubmissionRepository(database *db.MySQL) *MySQLSubmissionRepository {
	return &MySQLSubmissionRepository{db: database}
}

const submissionColumns = `id, user_id, problem_id, language, code, status,
	time_limit_ms, memory_limit_mb, test_cases,
	test_cases_passed, total_test_cases, time_ms, memory_kb, error_message,
	case_results, source_key, source_hash, created_at, updated_at`

func (r *MySQLSubmissionRepository) Create(ctx context.Context, submission *model.Submission) error {
	if submission == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("submission is nil")
	}
	testCases, err := json.Marshal(submission.TestCases)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "marshal test cases failed")
	}
	query := `
		INSERT INTO submissions
		(id, user_id, problem_id, language, code, status,
		 time_limit_ms, memory_limit_mb, test_cases, total_test_cases,
		 source_key, source_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(
		ctx,
		query,
		submission.ID,
		submission.UserID,
		submission.ProblemID,
		submission.Language,
		submission.Code,
		string(submission.Status),
		submission.TimeLimitMs,
		submission.MemoryLimitMB,
		string(testCases),
		submission.TotalTestCases,
		submission.SourceKey,
		submission.SourceHash,
	)
	if err != nil {
		if db.IsDuplicateEntry(err) {
			return appErr.Wrapf(err, appErr.RecordAlreadyExists, "submission %s already exists", submission.ID)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "create submission failed")
	}
	return nil
}

func (r *MySQLSubmissionRepository) GetByID(ctx context.Context, id string) (*model.Submission, error) {
	if id == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("submission id is required")
	}
	row := r.db.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	submission, err := scanSubmission(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	return submission, nil
}

func (r *MySQLSubmissionRepository) MarkJudging(ctx context.Context, id string) (bool, error) {
	res, err := r.db.Exec(ctx,
		`UPDATE submissions SET status = ? WHERE id = ? AND status = ?`,
		string(model.StatusJudging), id, string(model.StatusPending))
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "mark judging failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "mark judging failed")
	}
	if affected > 0 {
		return true, nil
	}
	// Distinguish a lost race from a missing row.
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *MySQLSubmissionRepository) Finalize(ctx context.Context, id string, result model.ExecutionResult) error {
	if !result.Status.IsTerminal() {
		return appErr.Newf(appErr.InvalidParams, "finalize requires a terminal status, got %s", result.Status)
	}
	caseResults, err := encodeCaseResults(result.CaseResults)
	if err != nil {
		return err
	}
	query := `
		UPDATE submissions
		SET status = ?, test_cases_passed = ?, total_test_cases = ?,
			time_ms = ?, memory_kb = ?, error_message = ?, case_results = ?
		WHERE id = ? AND status IN (?, ?)
	`
	res, err := r.db.Exec(ctx, query,
		string(result.Status),
		result.TestCasesPassed,
		result.TotalTestCases,
		nullableMs(result.TimeMs, result.Status),
		nullableMs(result.MemoryKB, result.Status),
		result.ErrorMessage,
		caseResults,
		id,
		string(model.StatusPending),
		string(model.StatusJudging),
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "finalize submission failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "finalize submission failed")
	}
	if affected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return appErr.Newf(appErr.SubmissionNotTerminal, "submission %s is already terminal", id)
	}
	return nil
}

func (r *MySQLSubmissionRepository) ResetForRejudge(ctx context.Context, id string) error {
	query := `
		UPDATE submissions
		SET status = ?, test_cases_passed = 0, time_ms = NULL, memory_kb = NULL,
			error_message = '', case_results = NULL
		WHERE id = ? AND status IN (?, ?, ?, ?, ?, ?)
	`
	res, err := r.db.Exec(ctx, query,
		string(model.StatusPending),
		id,
		string(model.StatusAccepted),
		string(model.StatusWrongAnswer),
		string(model.StatusTimeLimitExceeded),
		string(model.StatusMemoryLimitExceeded),
		string(model.StatusRuntimeError),
		string(model.StatusCompilationError),
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "reset for rejudge failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "reset for rejudge failed")
	}
	if affected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return appErr.Newf(appErr.SubmissionNotTerminal, "submission %s is not terminal", id)
	}
	return nil
}

// nullableMs keeps timing and memory NULL when judging never executed
// the program, such as a compilation error.
func nullableMs(v int64, status model.SubmissionStatus) interface{} {
	if status == model.StatusCompilationError && v == 0 {
		return nil
	}
	return v
}

// encodeCaseResults serializes the ordered per-case outcomes for the
// case_results JSON column. No cases means NULL, not an empty array.
func encodeCaseResults(cases []model.CaseResult) (interface{}, error) {
	if len(cases) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(cases)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "marshal case results failed")
	}
	return string(data), nil
}

func decodeCaseResults(raw sql.NullString) ([]model.CaseResult, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var cases []model.CaseResult
	if err := json.Unmarshal([]byte(raw.String), &cases); err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "unmarshal case results failed")
	}
	return cases, nil
}

func (r *MySQLSubmissionRepository) Delete(ctx context.Context, id string) error {
	if id == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("submission id is required")
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM submissions WHERE id = ?`, id); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "delete submission failed")
	}
	return nil
}

func scanSubmission(row *sql.Row) (*model.Submission, error) {
	var s model.Submission
	var status string
	var testCases sql.NullString
	var timeMs, memoryKB sql.NullInt64
	var errorMessage, caseResults, sourceKey, sourceHash sql.NullString
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.ProblemID,
		&s.Language,
		&s.Code,
		&status,
		&s.TimeLimitMs,
		&s.MemoryLimitMB,
		&testCases,
		&s.TestCasesPassed,
		&s.TotalTestCases,
		&timeMs,
		&memoryKB,
		&errorMessage,
		&caseResults,
		&sourceKey,
		&sourceHash,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = model.SubmissionStatus(status)
	if testCases.Valid && testCases.String != "" {
		if err := json.Unmarshal([]byte(testCases.String), &s.TestCases); err != nil {
			return nil, err
		}
	}
	if timeMs.Valid {
		s.TimeMs = timeMs.Int64
	}
	if memoryKB.Valid {
		s.MemoryKB = memoryKB.Int64
	}
	s.ErrorMessage = errorMessage.String
	if s.CaseResults, err = decodeCaseResults(caseResults); err != nil {
		return nil, err
	}
	s.SourceKey = sourceKey.String
	s.SourceHash = sourceHash.String
	return &s, nil
}
