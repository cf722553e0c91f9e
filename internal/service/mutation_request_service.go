package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sportbond/competition-api/internal/models"
	appErrors "github.com/sportbond/competition-api/pkg/errors"
)

const createdByMaxLen = 150

type mutationRequestStore interface {
	Create(ctx context.Context, mutation *models.Mutation) error
	GetByID(ctx context.Context, id int64) (*models.Mutation, error)
	FindRecentUnprocessed(ctx context.Context, kind models.MutationKind, competitionID int64, window time.Duration) (*models.Mutation, error)
}

type workerPinger interface {
	Ping()
}

// MutationRequest asks the background worker to perform one operation.
type MutationRequest struct {
	Kind          models.MutationKind `validate:"required"`
	CompetitionID int64               `validate:"required,gt=0"`
	CreatedBy     string              `validate:"required"`
}

// RequestConfig tunes duplicate suppression and the optional synchronous
// wait. Zero values fall back to the operational defaults.
type RequestConfig struct {
	DedupWindow   time.Duration
	SyncWaitStart time.Duration
	SyncWaitMax   time.Duration
}

// MutationRequestService is the producer's interface to the mutation queue:
// it appends the record and pings the worker. Callers that want to show the
// result of their request in the same response can additionally wait a
// bounded time for the record to be processed.
type MutationRequestService struct {
	repo     mutationRequestStore
	sync     workerPinger
	validate *validator.Validate
	logger   *zap.Logger
	cfg      RequestConfig
	sleep    func(time.Duration)
}

// MutationRequestOption configures the service.
type MutationRequestOption func(*MutationRequestService)

// WithRequestSleep overrides the sleep function, for tests.
func WithRequestSleep(sleep func(time.Duration)) MutationRequestOption {
	return func(s *MutationRequestService) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// NewMutationRequestService constructs the producer service.
func NewMutationRequestService(repo mutationRequestStore, sync workerPinger, logger *zap.Logger, cfg RequestConfig, opts ...MutationRequestOption) *MutationRequestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 15 * time.Second
	}
	if cfg.SyncWaitStart <= 0 {
		cfg.SyncWaitStart = 200 * time.Millisecond
	}
	if cfg.SyncWaitMax <= 0 {
		cfg.SyncWaitMax = 3 * time.Second
	}
	s := &MutationRequestService{
		repo:     repo,
		sync:     sync,
		validate: validator.New(),
		logger:   logger,
		cfg:      cfg,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Request appends a mutation record and pings the worker. When an identical
// unprocessed record was inserted inside the dedup window that record is
// returned instead and created is false. The suppression is best effort
// only: two concurrent producers may still both insert, which is why every
// handler is idempotent.
func (s *MutationRequestService) Request(ctx context.Context, req MutationRequest) (mutation *models.Mutation, created bool, err error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrValidation.Code, false, "invalid mutation request")
	}

	existing, err := s.repo.FindRecentUnprocessed(ctx, req.Kind, req.CompetitionID, s.cfg.DedupWindow)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, true, "duplicate check failed")
	}

	createdBy := req.CreatedBy
	if len(createdBy) > createdByMaxLen {
		createdBy = createdBy[:createdByMaxLen]
	}

	competitionID := req.CompetitionID
	mutation = &models.Mutation{
		Kind:          req.Kind,
		CompetitionID: &competitionID,
		CreatedBy:     createdBy,
	}
	if err := s.repo.Create(ctx, mutation); err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, true, "failed to create mutation")
	}

	s.sync.Ping()

	return mutation, true, nil
}

// RequestAndWait behaves like Request and then polls the processed flag with
// a doubling backoff until the configured wait budget runs out. A record
// that is still unprocessed afterwards is returned as-is: the caller must
// treat it as pending, not failed.
func (s *MutationRequestService) RequestAndWait(ctx context.Context, req MutationRequest) (*models.Mutation, error) {
	mutation, created, err := s.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if !created {
		return mutation, nil
	}

	interval := s.cfg.SyncWaitStart
	var total time.Duration
	for !mutation.Processed && total+interval <= s.cfg.SyncWaitMax {
		if ctx.Err() != nil {
			break
		}
		s.sleep(interval)
		total += interval
		interval *= 2

		fresh, err := s.repo.GetByID(ctx, mutation.ID)
		if err != nil {
			s.logger.Warn("mutation poll failed", zap.Int64("id", mutation.ID), zap.Error(err))
			break
		}
		mutation = fresh
	}

	return mutation, nil
}
