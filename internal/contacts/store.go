package contacts

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	fieldContactID          = "contact_id"
	fieldPrimaryID          = "primary_id"
	columnID                = "id"
	orderCreatedAsc         = "created_at ASC, id ASC"
	queryEmail              = "email = ?"
	queryPhone              = "phone_number = ?"
	queryEmailOrPhone       = "(email = ? OR phone_number = ?)"
	queryFrontier           = "(id IN ? OR linked_id IN ?)"
	queryNotAlreadyLinked   = "(link_precedence <> ? OR linked_id IS NULL OR linked_id <> ?)"
	reasonQueryFailed       = "query_failed"
	reasonInsertFailed      = "insert_failed"
	reasonUpdateFailed      = "update_failed"
	reasonRetriesExhausted  = "retries_exhausted"
	reasonClosureUnbounded  = "closure_unbounded"
	reasonSelfLink          = "self_link"
	reasonMissingAttributes = "missing_attributes"
	dialectPostgres         = "postgres"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"

	// maxClosureDepth bounds the breadth-first walk; a healthy cluster is at most
	// three hops deep even mid-merge.
	maxClosureDepth = 32
)

// StoreConfig describes the dependencies of the contact store.
type StoreConfig struct {
	Database           *gorm.DB
	Clock              func() time.Time
	TransactionRetries int
	Logger             *zap.Logger
}

// Store persists contacts through GORM. Soft-deleted rows are excluded from
// every query by the gorm.DeletedAt field on Contact.
type Store struct {
	db                 *gorm.DB
	clock              func() time.Time
	transactionRetries int
	logger             *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	retries := cfg.TransactionRetries
	if retries < 0 {
		retries = 0
	}
	return &Store{
		db:                 cfg.Database,
		clock:              clock,
		transactionRetries: retries,
		logger:             logger,
	}, nil
}

// Transaction runs fn against a store bound to a single database transaction.
// Postgres transactions run SERIALIZABLE and are retried on serialization
// failures; SQLite connections are already serial.
func (s *Store) Transaction(ctx context.Context, fn func(ContactStore) error) error {
	var options []*sql.TxOptions
	if s.db.Dialector != nil && s.db.Dialector.Name() == dialectPostgres {
		options = append(options, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}

	var err error
	for attempt := 0; attempt <= s.transactionRetries; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(s.bind(tx))
		}, options...)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		s.logger.Warn("contact transaction conflict, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return newServiceError(opTransaction, reasonRetriesExhausted, err)
}

// FindByEmailOrPhone returns every contact matching either value, oldest first.
func (s *Store) FindByEmailOrPhone(ctx context.Context, email, phone string) ([]Contact, error) {
	query := s.db.WithContext(ctx)
	switch {
	case email != "" && phone != "":
		query = query.Where(queryEmailOrPhone, email, phone)
	case email != "":
		query = query.Where(queryEmail, email)
	case phone != "":
		query = query.Where(queryPhone, phone)
	default:
		return nil, newServiceError(opFindByAttribute, reasonMissingAttributes, &ValidationError{Message: "Either email or phoneNumber must be provided"})
	}

	var matches []Contact
	if err := query.Order(orderCreatedAsc).Find(&matches).Error; err != nil {
		s.logError(opFindByAttribute, reasonQueryFailed, err)
		return nil, newServiceError(opFindByAttribute, reasonQueryFailed, err)
	}
	sortOldestFirst(matches)
	return matches, nil
}

// FindByID loads a single contact; found is false when it is missing or deleted.
func (s *Store) FindByID(ctx context.Context, contactID uint) (Contact, bool, error) {
	var contact Contact
	err := s.db.WithContext(ctx).Where(columnID+" = ?", contactID).Take(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Contact{}, false, nil
	}
	if err != nil {
		s.logError(opFindByID, reasonQueryFailed, err, zap.Uint(fieldContactID, contactID))
		return Contact{}, false, newServiceError(opFindByID, reasonQueryFailed, err)
	}
	return contact, true, nil
}

// FindClusterClosure walks linked_id edges in both directions from contactID
// and returns every reachable contact, oldest first. The walk tracks visited
// ids and gives up after maxClosureDepth rounds.
func (s *Store) FindClusterClosure(ctx context.Context, contactID uint) ([]Contact, error) {
	members := make(map[uint]Contact)
	expanded := make(map[uint]struct{})
	frontier := []uint{contactID}

	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= maxClosureDepth {
			err := integrityError("cluster of contact %d exceeds %d hops", contactID, maxClosureDepth)
			s.logError(opClosure, reasonClosureUnbounded, err, zap.Uint(fieldContactID, contactID))
			return nil, newServiceError(opClosure, reasonClosureUnbounded, err)
		}

		var rows []Contact
		if err := s.db.WithContext(ctx).Where(queryFrontier, frontier, frontier).Find(&rows).Error; err != nil {
			s.logError(opClosure, reasonQueryFailed, err, zap.Uint(fieldContactID, contactID))
			return nil, newServiceError(opClosure, reasonQueryFailed, err)
		}
		for _, id := range frontier {
			expanded[id] = struct{}{}
		}

		queued := make(map[uint]struct{})
		next := make([]uint, 0, len(rows))
		enqueue := func(id uint) {
			if _, done := expanded[id]; done {
				return
			}
			if _, dup := queued[id]; dup {
				return
			}
			queued[id] = struct{}{}
			next = append(next, id)
		}
		for _, row := range rows {
			members[row.ID] = row
			enqueue(row.ID)
			if row.LinkedID != nil {
				enqueue(*row.LinkedID)
			}
		}
		frontier = next
	}

	cluster := make([]Contact, 0, len(members))
	for _, member := range members {
		cluster = append(cluster, member)
	}
	sortOldestFirst(cluster)
	return cluster, nil
}

// CreateContact inserts a new contact stamped with the store clock.
func (s *Store) CreateContact(ctx context.Context, email, phone string, linkedID *uint, precedence LinkPrecedence) (Contact, error) {
	if email == "" && phone == "" {
		err := integrityError("contact requires an email or phone number")
		return Contact{}, newServiceError(opCreate, reasonMissingAttributes, err)
	}
	now := s.clock().UTC()
	contact := Contact{
		Email:          optionalString(email),
		PhoneNumber:    optionalString(phone),
		LinkedID:       linkedID,
		LinkPrecedence: precedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&contact).Error; err != nil {
		s.logError(opCreate, reasonInsertFailed, err, zap.String("link_precedence", string(precedence)))
		return Contact{}, newServiceError(opCreate, reasonInsertFailed, err)
	}
	return contact, nil
}

// RelinkContact makes contactID a secondary of newPrimaryID. Contacts already
// linked to that primary are left untouched, so repeating the call is a no-op.
func (s *Store) RelinkContact(ctx context.Context, contactID, newPrimaryID uint) error {
	if contactID == newPrimaryID {
		err := integrityError("contact %d cannot link to itself", contactID)
		s.logError(opRelink, reasonSelfLink, err, zap.Uint(fieldContactID, contactID))
		return newServiceError(opRelink, reasonSelfLink, err)
	}
	err := s.db.WithContext(ctx).
		Model(&Contact{}).
		Where(columnID+" = ?", contactID).
		Where(queryNotAlreadyLinked, LinkPrecedenceSecondary, newPrimaryID).
		Updates(map[string]any{
			"linked_id":       newPrimaryID,
			"link_precedence": LinkPrecedenceSecondary,
			"updated_at":      s.clock().UTC(),
		}).Error
	if err != nil {
		s.logError(opRelink, reasonUpdateFailed, err,
			zap.Uint(fieldContactID, contactID),
			zap.Uint(fieldPrimaryID, newPrimaryID))
		return newServiceError(opRelink, reasonUpdateFailed, err)
	}
	return nil
}

func (s *Store) bind(tx *gorm.DB) *Store {
	return &Store{
		db:                 tx,
		clock:              s.clock,
		transactionRetries: s.transactionRetries,
		logger:             s.logger,
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	logServiceError(s.logger, operation, reason, err, fields...)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

func sortOldestFirst(contacts []Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return contacts[i].olderThan(contacts[j])
	})
}
