package customer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmehdipour/customer-cqrs/internal/metrics"
	"github.com/jmehdipour/customer-cqrs/internal/model"
	"github.com/jmehdipour/customer-cqrs/internal/repository"
	"github.com/jmehdipour/customer-cqrs/internal/util"
	"github.com/jmoiron/sqlx"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("customer not found")
	ErrEmailTaken       = errors.New("email already in use")
	ErrConcurrentUpdate = errors.New("customer was modified concurrently")
)

const maxNameLen = 200

// Service atomically persists a customer mutation and the outbox event describing it.
// The event version always equals the aggregate version after the mutation.
type Service struct {
	db        *sqlx.DB
	customers repository.CustomersRepository
	outbox    repository.OutboxRepository
	now       func() time.Time
}

// New constructs the customer command service.
func New(
	db *sqlx.DB,
	customersRepo repository.CustomersRepository,
	outboxRepo repository.OutboxRepository,
) *Service {
	return &Service{
		db:        db,
		customers: customersRepo,
		outbox:    outboxRepo,
		now:       time.Now,
	}
}

// UpdateCommand changes any subset of the mutable fields. ExpectedVersion,
// when set, must match the stored version or the update is rejected.
type UpdateCommand struct {
	ID              string
	Name            *string
	Email           *string
	ExpectedVersion *int64
}

func normalizeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" || len(name) > maxNameLen {
		return "", fmt.Errorf("%w: name must be 1..%d characters", ErrInvalidInput, maxNameLen)
	}
	return name, nil
}

func normalizeEmail(raw string) (string, error) {
	email, ok := util.NormalizeEmail(raw)
	if !ok {
		return "", fmt.Errorf("%w: malformed email %q", ErrInvalidInput, raw)
	}
	return email, nil
}

func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: customer id must be a uuid", ErrInvalidInput)
	}
	return nil
}

// Create inserts a customer at version 0 and stages CustomerCreated in the same transaction.
func (s *Service) Create(ctx context.Context, name, email string) (model.Customer, error) {
	c, err := s.create(ctx, name, email)
	record("create", err)
	return c, err
}

func (s *Service) create(ctx context.Context, rawName, rawEmail string) (model.Customer, error) {
	name, err := normalizeName(rawName)
	if err != nil {
		return model.Customer{}, err
	}
	email, err := normalizeEmail(rawEmail)
	if err != nil {
		return model.Customer{}, err
	}

	now := s.now().UTC()
	c := model.Customer{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     email,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	payload, err := json.Marshal(model.CustomerCreatedPayload{Name: name, Email: email})
	if err != nil {
		return model.Customer{}, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Customer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.customers.Insert(ctx, tx, c); err != nil {
		if repository.IsDuplicateKey(err) {
			return model.Customer{}, ErrEmailTaken
		}
		return model.Customer{}, fmt.Errorf("insert customer: %w", err)
	}
	if err := s.stage(ctx, tx, c, model.EventCustomerCreated, payload, now); err != nil {
		return model.Customer{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Customer{}, err
	}
	return c, nil
}

// Update applies a version-guarded change and stages CustomerUpdated carrying only the supplied fields.
func (s *Service) Update(ctx context.Context, cmd UpdateCommand) (model.Customer, error) {
	c, err := s.update(ctx, cmd)
	record("update", err)
	return c, err
}

func (s *Service) update(ctx context.Context, cmd UpdateCommand) (model.Customer, error) {
	if err := validID(cmd.ID); err != nil {
		return model.Customer{}, err
	}
	if cmd.Name == nil && cmd.Email == nil {
		return model.Customer{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}

	var change model.CustomerUpdatedPayload
	if cmd.Name != nil {
		name, err := normalizeName(*cmd.Name)
		if err != nil {
			return model.Customer{}, err
		}
		change.Name = &name
	}
	if cmd.Email != nil {
		email, err := normalizeEmail(*cmd.Email)
		if err != nil {
			return model.Customer{}, err
		}
		change.Email = &email
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return model.Customer{}, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Customer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.customers.Get(ctx, tx, cmd.ID)
	if err != nil {
		return model.Customer{}, fmt.Errorf("get customer: %w", err)
	}
	if cur == nil {
		return model.Customer{}, ErrNotFound
	}
	if cmd.ExpectedVersion != nil && *cmd.ExpectedVersion != cur.Version {
		return model.Customer{}, ErrConcurrentUpdate
	}

	now := s.now().UTC()
	next := *cur
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if change.Name != nil {
		next.Name = *change.Name
	}
	if change.Email != nil {
		next.Email = *change.Email
	}

	ok, err := s.customers.UpdateIfVersionMatches(ctx, tx, next, cur.Version)
	if err != nil {
		if repository.IsDuplicateKey(err) {
			return model.Customer{}, ErrEmailTaken
		}
		return model.Customer{}, fmt.Errorf("update customer: %w", err)
	}
	if !ok {
		return model.Customer{}, ErrConcurrentUpdate
	}
	if err := s.stage(ctx, tx, next, model.EventCustomerUpdated, payload, now); err != nil {
		return model.Customer{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Customer{}, err
	}
	return next, nil
}

// Delete removes the customer and stages CustomerDeleted at version+1.
func (s *Service) Delete(ctx context.Context, id string, expectedVersion *int64) error {
	err := s.delete(ctx, id, expectedVersion)
	record("delete", err)
	return err
}

func (s *Service) delete(ctx context.Context, id string, expectedVersion *int64) error {
	if err := validID(id); err != nil {
		return err
	}
	payload, err := json.Marshal(model.CustomerDeletedPayload{SoftDelete: false})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.customers.Get(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("get customer: %w", err)
	}
	if cur == nil {
		return ErrNotFound
	}
	if expectedVersion != nil && *expectedVersion != cur.Version {
		return ErrConcurrentUpdate
	}

	ok, err := s.customers.DeleteIfVersionMatches(ctx, tx, id, cur.Version)
	if err != nil {
		return fmt.Errorf("delete customer: %w", err)
	}
	if !ok {
		return ErrConcurrentUpdate
	}

	gone := *cur
	gone.Version = cur.Version + 1
	if err := s.stage(ctx, tx, gone, model.EventCustomerDeleted, payload, s.now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Service) stage(ctx context.Context, tx *sqlx.Tx, c model.Customer, t model.EventType, payload []byte, at time.Time) error {
	err := s.outbox.Insert(ctx, tx, model.OutboxRecord{
		AggregateType: model.AggregateCustomer,
		AggregateID:   c.ID,
		EventType:     t.String(),
		Version:       c.Version,
		Payload:       payload,
		EventID:       util.NewULID(),
		OccurredAt:    at,
	})
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func record(command string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidInput):
		outcome = "invalid"
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrEmailTaken), errors.Is(err, ErrConcurrentUpdate):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	metrics.CommandsTotal.WithLabelValues(command, outcome).Inc()
}
