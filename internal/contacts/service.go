package contacts

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

const (
	reasonInvalidRequest = "invalid_request"
	reasonLockFailed     = "lock_failed"
	reasonDataIntegrity  = "data_integrity"
	reasonStoreFailed    = "store_failed"
)

var noOpLogger = zap.NewNop()

// ContactStore is the persistence contract the reconciliation engine relies on.
type ContactStore interface {
	FindByEmailOrPhone(ctx context.Context, email, phone string) ([]Contact, error)
	FindByID(ctx context.Context, contactID uint) (Contact, bool, error)
	FindClusterClosure(ctx context.Context, contactID uint) ([]Contact, error)
	CreateContact(ctx context.Context, email, phone string, linkedID *uint, precedence LinkPrecedence) (Contact, error)
	RelinkContact(ctx context.Context, contactID, newPrimaryID uint) error
}

// TransactionalStore runs a unit of work against a ContactStore atomically.
type TransactionalStore interface {
	ContactStore
	Transaction(ctx context.Context, fn func(ContactStore) error) error
}

// Locker serializes work touching overlapping sets of keys.
type Locker interface {
	Lock(ctx context.Context, keys []string) (release func(), err error)
}

// Outcome summarizes which writes an identify call performed.
type Outcome string

const (
	// OutcomeCreated means no contact matched and a new primary was created.
	OutcomeCreated Outcome = "created"
	// OutcomeAttached means a new secondary was linked to an existing cluster.
	OutcomeAttached Outcome = "attached"
	// OutcomeMerged means two or more clusters were merged.
	OutcomeMerged Outcome = "merged"
	// OutcomeMatched means the request repeated information already on file.
	OutcomeMatched Outcome = "matched"
)

// Resolution is the result of reconciling one request.
type Resolution struct {
	Cluster          ResolvedCluster
	Outcome          Outcome
	DemotedPrimaries int
}

// ServiceConfig describes the dependencies of the reconciliation engine.
type ServiceConfig struct {
	Store  TransactionalStore
	Locker Locker
	Logger *zap.Logger
}

// Service reconciles contact fragments into clusters.
type Service struct {
	store  TransactionalStore
	locker Locker
	logger *zap.Logger
}

// NewService constructs the reconciliation engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Locker == nil {
		return nil, newServiceError(opServiceNew, "missing_locker", errMissingLocker)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:  cfg.Store,
		locker: cfg.Locker,
		logger: logger,
	}, nil
}

// Identify maps the request onto a cluster, creating, attaching or merging
// contacts as needed. The identifying values are locked and every store
// operation runs in one transaction.
func (s *Service) Identify(ctx context.Context, request IdentifyRequest) (Resolution, error) {
	if request.isEmpty() {
		return Resolution{}, &ValidationError{Message: "Either email or phoneNumber must be provided"}
	}

	release, err := s.locker.Lock(ctx, request.LockKeys())
	if err != nil {
		s.logError(opIdentify, reasonLockFailed, err)
		return Resolution{}, newServiceError(opIdentify, reasonLockFailed, err)
	}
	defer release()

	var resolution Resolution
	err = s.store.Transaction(ctx, func(store ContactStore) error {
		outcome, reconcileErr := reconcile(ctx, store, request)
		if reconcileErr != nil {
			return reconcileErr
		}
		resolution = outcome
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			return Resolution{}, err
		case errors.Is(err, ErrDataIntegrity):
			s.logError(opIdentify, reasonDataIntegrity, err,
				zap.Bool("has_email", request.Email() != ""),
				zap.Bool("has_phone", request.Phone() != ""))
			return Resolution{}, newServiceError(opIdentify, reasonDataIntegrity, err)
		default:
			return Resolution{}, newServiceError(opIdentify, reasonStoreFailed, err)
		}
	}

	if resolution.DemotedPrimaries > 0 {
		s.logger.Info("contact clusters merged",
			zap.Uint(fieldPrimaryID, resolution.Cluster.PrimaryContactID),
			zap.Int("demoted_primaries", resolution.DemotedPrimaries))
	}
	return resolution, nil
}

func reconcile(ctx context.Context, store ContactStore, request IdentifyRequest) (Resolution, error) {
	matches, err := store.FindByEmailOrPhone(ctx, request.Email(), request.Phone())
	if err != nil {
		return Resolution{}, err
	}

	if len(matches) == 0 {
		created, err := store.CreateContact(ctx, request.Email(), request.Phone(), nil, LinkPrecedencePrimary)
		if err != nil {
			return Resolution{}, err
		}
		cluster, err := BuildResolvedCluster([]Contact{created})
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Cluster: cluster, Outcome: OutcomeCreated}, nil
	}

	primaries, err := touchedPrimaries(ctx, store, matches)
	if err != nil {
		return Resolution{}, err
	}
	winner := primaries[0]
	for _, loser := range primaries[1:] {
		if err := mergeCluster(ctx, store, winner, loser); err != nil {
			return Resolution{}, err
		}
	}

	canonical, err := resolvePrimary(ctx, store, matches[0].ID)
	if err != nil {
		return Resolution{}, err
	}
	// Every touched cluster now hangs off the winner.
	if canonical.ID != winner.ID {
		return Resolution{}, integrityError("contact %d resolved to primary %d, expected %d", matches[0].ID, canonical.ID, winner.ID)
	}

	outcome := OutcomeMatched
	if len(primaries) > 1 {
		outcome = OutcomeMerged
	}
	if carriesNewInformation(request, matches) {
		primaryID := canonical.ID
		if _, err := store.CreateContact(ctx, request.Email(), request.Phone(), &primaryID, LinkPrecedenceSecondary); err != nil {
			return Resolution{}, err
		}
		if outcome == OutcomeMatched {
			outcome = OutcomeAttached
		}
	}

	closure, err := store.FindClusterClosure(ctx, canonical.ID)
	if err != nil {
		return Resolution{}, err
	}
	cluster, err := BuildResolvedCluster(closure)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{
		Cluster:          cluster,
		Outcome:          outcome,
		DemotedPrimaries: len(primaries) - 1,
	}, nil
}

// touchedPrimaries returns the distinct primaries the matches belong to, oldest first.
func touchedPrimaries(ctx context.Context, store ContactStore, matches []Contact) ([]Contact, error) {
	byID := make(map[uint]Contact)
	for _, match := range matches {
		if match.IsPrimary() {
			if match.LinkedID != nil {
				return nil, integrityError("primary contact %d carries linked id %d", match.ID, *match.LinkedID)
			}
			byID[match.ID] = match
			continue
		}
		if match.LinkedID == nil {
			return nil, integrityError("secondary contact %d has no linked id", match.ID)
		}
		if _, seen := byID[*match.LinkedID]; seen {
			continue
		}
		primary, err := loadPrimary(ctx, store, match.ID, *match.LinkedID)
		if err != nil {
			return nil, err
		}
		byID[primary.ID] = primary
	}

	primaries := make([]Contact, 0, len(byID))
	for _, primary := range byID {
		primaries = append(primaries, primary)
	}
	sortOldestFirst(primaries)
	return primaries, nil
}

// mergeCluster demotes loser under winner and re-points every member of the
// loser's former cluster directly at winner.
func mergeCluster(ctx context.Context, store ContactStore, winner, loser Contact) error {
	if err := store.RelinkContact(ctx, loser.ID, winner.ID); err != nil {
		return err
	}
	closure, err := store.FindClusterClosure(ctx, loser.ID)
	if err != nil {
		return err
	}
	for _, member := range closure {
		if member.ID == winner.ID {
			continue
		}
		if !member.IsPrimary() && member.LinkedID != nil && *member.LinkedID == winner.ID {
			continue
		}
		if err := store.RelinkContact(ctx, member.ID, winner.ID); err != nil {
			return err
		}
	}
	return nil
}

// resolvePrimary re-reads contactID and follows its link to the current primary.
func resolvePrimary(ctx context.Context, store ContactStore, contactID uint) (Contact, error) {
	contact, found, err := store.FindByID(ctx, contactID)
	if err != nil {
		return Contact{}, err
	}
	if !found {
		return Contact{}, integrityError("matched contact %d disappeared", contactID)
	}
	if contact.IsPrimary() {
		return contact, nil
	}
	if contact.LinkedID == nil {
		return Contact{}, integrityError("secondary contact %d has no linked id", contact.ID)
	}
	return loadPrimary(ctx, store, contact.ID, *contact.LinkedID)
}

func loadPrimary(ctx context.Context, store ContactStore, secondaryID, primaryID uint) (Contact, error) {
	primary, found, err := store.FindByID(ctx, primaryID)
	if err != nil {
		return Contact{}, err
	}
	if !found {
		return Contact{}, integrityError("contact %d links to missing contact %d", secondaryID, primaryID)
	}
	if !primary.IsPrimary() {
		return Contact{}, integrityError("contact %d links to non-primary contact %d", secondaryID, primaryID)
	}
	if primary.LinkedID != nil {
		return Contact{}, integrityError("primary contact %d carries linked id %d", primary.ID, *primary.LinkedID)
	}
	return primary, nil
}

func carriesNewInformation(request IdentifyRequest, matches []Contact) bool {
	emailKnown := request.Email() == ""
	phoneKnown := request.Phone() == ""
	for _, match := range matches {
		if !emailKnown && match.EmailValue() == request.Email() {
			emailKnown = true
		}
		if !phoneKnown && match.PhoneValue() == request.Phone() {
			phoneKnown = true
		}
	}
	return !emailKnown || !phoneKnown
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(s.logger, operation, reason, err, fields...)
}

func logServiceError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("contacts service error", attrs...)
}
