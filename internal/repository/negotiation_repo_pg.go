package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/majaostudio/classbooking/internal/domain"
)

// NegotiationRepository is the durable store for booking negotiations.
// Lookups by slot start are the secondary index the teacher-reply
// matching depends on; all state updates are single atomic statements.
type NegotiationRepository interface {
	Create(ctx context.Context, n *domain.BookingRequest) error
	GetByID(ctx context.Context, id string) (*domain.BookingRequest, error)
	UpdateState(ctx context.Context, id string, state domain.NegotiationState) (*domain.BookingRequest, error)
	MarkBooked(ctx context.Context, id, studentEmail, eventID string) (*domain.BookingRequest, error)
	MarkFailed(ctx context.Context, id, reason string) (*domain.BookingRequest, error)
	FindPendingBySlotStart(ctx context.Context, slotStart time.Time) ([]domain.BookingRequest, error)
	LatestPending(ctx context.Context) (*domain.BookingRequest, error)
	LatestAwaitingEmail(ctx context.Context) (*domain.BookingRequest, error)
	HasLiveRequest(ctx context.Context, studentContact string, slotStart time.Time) (bool, error)
	ExpirePendingBefore(ctx context.Context, cutoff time.Time) ([]domain.BookingRequest, error)
}

const negotiationColumns = `id, student_name, student_contact, teacher_contact, style,
	slot_start, slot_end, state, student_email, event_id, failure_reason,
	expires_at, created_at, updated_at`

type PGNegotiationRepository struct {
	db *pgxpool.Pool
}

func NewNegotiationRepository(db *pgxpool.Pool) NegotiationRepository {
	return &PGNegotiationRepository{db: db}
}

func (r *PGNegotiationRepository) Create(ctx context.Context, n *domain.BookingRequest) error {
	n.State = domain.StatePendingTeacherApproval
	err := r.db.QueryRow(ctx, `INSERT INTO negotiations
		(id, student_name, student_contact, teacher_contact, style, slot_start, slot_end, state, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		n.ID, n.StudentName, n.StudentContact, n.TeacherContact, n.Style,
		n.SlotStart, n.SlotEnd, n.State, n.ExpiresAt).
		Scan(&n.CreatedAt, &n.UpdatedAt)
	if isUniqueViolation(err) {
		// uq_negotiations_live_student_slot: a live request for this
		// student and slot already exists.
		return domain.ErrDuplicateRequest
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *PGNegotiationRepository) GetByID(ctx context.Context, id string) (*domain.BookingRequest, error) {
	row := r.db.QueryRow(ctx, `SELECT `+negotiationColumns+` FROM negotiations WHERE id=$1`, id)
	return scanNegotiation(row)
}

func (r *PGNegotiationRepository) UpdateState(ctx context.Context, id string, state domain.NegotiationState) (*domain.BookingRequest, error) {
	row := r.db.QueryRow(ctx, `UPDATE negotiations SET state=$1, updated_at=now()
		WHERE id=$2 RETURNING `+negotiationColumns, state, id)
	return scanNegotiation(row)
}

func (r *PGNegotiationRepository) MarkBooked(ctx context.Context, id, studentEmail, eventID string) (*domain.BookingRequest, error) {
	row := r.db.QueryRow(ctx, `UPDATE negotiations
		SET state=$1, student_email=$2, event_id=$3, updated_at=now()
		WHERE id=$4 RETURNING `+negotiationColumns,
		domain.StateBooked, studentEmail, eventID, id)
	return scanNegotiation(row)
}

func (r *PGNegotiationRepository) MarkFailed(ctx context.Context, id, reason string) (*domain.BookingRequest, error) {
	row := r.db.QueryRow(ctx, `UPDATE negotiations
		SET state=$1, failure_reason=$2, updated_at=now()
		WHERE id=$3 RETURNING `+negotiationColumns,
		domain.StateFailed, reason, id)
	return scanNegotiation(row)
}

func (r *PGNegotiationRepository) FindPendingBySlotStart(ctx context.Context, slotStart time.Time) ([]domain.BookingRequest, error) {
	rows, err := r.db.Query(ctx, `SELECT `+negotiationColumns+` FROM negotiations
		WHERE slot_start=$1 AND state=$2
		ORDER BY created_at DESC`,
		slotStart, domain.StatePendingTeacherApproval)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNegotiations(rows)
}

func (r *PGNegotiationRepository) LatestPending(ctx context.Context) (*domain.BookingRequest, error) {
	row := r.db.QueryRow(ctx, `SELECT `+negotiationColumns+` FROM negotiations
		WHERE state=$1 ORDER BY created_at DESC LIMIT 1`,
		domain.StatePendingTeacherApproval)
	return scanNegotiation(row)
}

func (r *PGNegotiationRepository) LatestAwaitingEmail(ctx context.Context) (*domain.BookingRequest, error) {
	row := r.db.QueryRow(ctx, `SELECT `+negotiationColumns+` FROM negotiations
		WHERE state=$1 ORDER BY updated_at DESC LIMIT 1`,
		domain.StateAwaitingStudentEmail)
	return scanNegotiation(row)
}

func (r *PGNegotiationRepository) HasLiveRequest(ctx context.Context, studentContact string, slotStart time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(
		SELECT 1 FROM negotiations
		WHERE student_contact=$1 AND slot_start=$2 AND state = ANY($3))`,
		studentContact, slotStart,
		[]string{string(domain.StatePendingTeacherApproval), string(domain.StateAwaitingStudentEmail)}).
		Scan(&exists)
	return exists, err
}

func (r *PGNegotiationRepository) ExpirePendingBefore(ctx context.Context, cutoff time.Time) ([]domain.BookingRequest, error) {
	rows, err := r.db.Query(ctx, `UPDATE negotiations SET state=$1, updated_at=now()
		WHERE state=$2 AND expires_at <= $3
		RETURNING `+negotiationColumns,
		domain.StateExpired, domain.StatePendingTeacherApproval, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNegotiations(rows)
}

func scanNegotiation(row pgx.Row) (*domain.BookingRequest, error) {
	var n domain.BookingRequest
	err := row.Scan(&n.ID, &n.StudentName, &n.StudentContact, &n.TeacherContact, &n.Style,
		&n.SlotStart, &n.SlotEnd, &n.State, &n.StudentEmail, &n.EventID, &n.FailureReason,
		&n.ExpiresAt, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("negotiation: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func collectNegotiations(rows pgx.Rows) ([]domain.BookingRequest, error) {
	var negotiations []domain.BookingRequest
	for rows.Next() {
		var n domain.BookingRequest
		if err := rows.Scan(&n.ID, &n.StudentName, &n.StudentContact, &n.TeacherContact, &n.Style,
			&n.SlotStart, &n.SlotEnd, &n.State, &n.StudentEmail, &n.EventID, &n.FailureReason,
			&n.ExpiresAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		negotiations = append(negotiations, n)
	}
	return negotiations, rows.Err()
}

var _ NegotiationRepository = (*PGNegotiationRepository)(nil)
