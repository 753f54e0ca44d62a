package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	chaterrors "github.com/alexjbarnes/clinic-sync/internal/errors"
	"github.com/alexjbarnes/clinic-sync/internal/metrics"
	"github.com/alexjbarnes/clinic-sync/internal/models"
)

// Resolution outcomes reported to metrics.
const (
	resolvedCache    = "cache"
	resolvedFound    = "found"
	resolvedCreated  = "created"
	resolvedRejected = "rejected"
)

type conversationAPI interface {
	FindConversation(ctx context.Context, patientID, doctorID int64) (models.Conversation, error)
	CreateConversation(ctx context.Context, patientID, doctorID int64) (models.Conversation, error)
}

// AppointmentChecker answers whether any appointment links a pair.
type AppointmentChecker interface {
	HasAppointment(ctx context.Context, patientID, doctorID int64) (bool, error)
}

// ConversationCache stores resolved conversations between runs. A nil
// cache disables caching.
type ConversationCache interface {
	GetConversation(patientID, doctorID int64) (*models.Conversation, error)
	SaveConversation(c models.Conversation) error
}

// Resolver finds or creates the single conversation of a patient/doctor
// pair.
type Resolver struct {
	api          conversationAPI
	appointments AppointmentChecker
	cache        ConversationCache
	group        singleflight.Group
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

func NewResolver(api conversationAPI, appointments AppointmentChecker, cache ConversationCache, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	return &Resolver{
		api:          api,
		appointments: appointments,
		cache:        cache,
		metrics:      m,
		logger:       logger,
	}
}

// GetOrCreate returns the pair's conversation, creating it if needed.
// When a patient opens a conversation that does not exist yet, at least
// one appointment must link the pair; otherwise ErrPreconditionFailed is
// returned and nothing is created. A failed create is retried as a
// lookup once, since a concurrent caller may have won the race.
// Concurrent calls for the same pair share one resolution.
func (r *Resolver) GetOrCreate(ctx context.Context, patientID, doctorID int64, caller Role) (models.Conversation, error) {
	key := strconv.FormatInt(patientID, 10) + ":" + strconv.FormatInt(doctorID, 10) + ":" + string(caller)

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.resolve(ctx, patientID, doctorID, caller)
	})
	if err != nil {
		return models.Conversation{}, err
	}

	return v.(models.Conversation), nil
}

func (r *Resolver) resolve(ctx context.Context, patientID, doctorID int64, caller Role) (models.Conversation, error) {
	if conv, ok := r.cached(patientID, doctorID); ok {
		r.metrics.Resolved(resolvedCache)
		return conv, nil
	}

	conv, err := r.api.FindConversation(ctx, patientID, doctorID)
	if err == nil {
		r.metrics.Resolved(resolvedFound)
		return r.remember(conv), nil
	}

	if !errors.Is(err, chaterrors.ErrConversationNotFound) {
		return models.Conversation{}, err
	}

	if caller == RolePatient {
		ok, err := r.appointments.HasAppointment(ctx, patientID, doctorID)
		if err != nil {
			return models.Conversation{}, fmt.Errorf("checking appointment precondition: %w", err)
		}

		if !ok {
			r.metrics.Resolved(resolvedRejected)
			return models.Conversation{}, fmt.Errorf("patient %d, doctor %d: %w", patientID, doctorID, chaterrors.ErrPreconditionFailed)
		}
	}

	conv, createErr := r.api.CreateConversation(ctx, patientID, doctorID)
	if createErr == nil {
		r.logger.Info("conversation created",
			slog.Int64("conversation_id", conv.ID),
			slog.Int64("patient_id", patientID),
			slog.Int64("doctor_id", doctorID),
		)
		r.metrics.Resolved(resolvedCreated)

		return r.remember(conv), nil
	}

	r.logger.Debug("create failed, retrying lookup", slog.String("error", createErr.Error()))

	conv, err = r.api.FindConversation(ctx, patientID, doctorID)
	if err != nil {
		return models.Conversation{}, createErr
	}

	r.metrics.Resolved(resolvedFound)

	return r.remember(conv), nil
}

func (r *Resolver) cached(patientID, doctorID int64) (models.Conversation, bool) {
	if r.cache == nil {
		return models.Conversation{}, false
	}

	c, err := r.cache.GetConversation(patientID, doctorID)
	if err != nil {
		r.logger.Warn("reading conversation cache", slog.String("error", err.Error()))
		return models.Conversation{}, false
	}

	if c == nil {
		return models.Conversation{}, false
	}

	return *c, true
}

func (r *Resolver) remember(conv models.Conversation) models.Conversation {
	if r.cache != nil {
		if err := r.cache.SaveConversation(conv); err != nil {
			r.logger.Warn("writing conversation cache", slog.String("error", err.Error()))
		}
	}

	return conv
}
