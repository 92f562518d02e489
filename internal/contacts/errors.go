package contacts

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches any ValidationError via errors.Is.
	ErrValidation = errors.New("contacts: validation failed")
	// ErrDataIntegrity indicates the persisted contact graph violates its invariants.
	ErrDataIntegrity = errors.New("contacts: data integrity violation")

	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("contact store is required")
	errMissingLocker   = errors.New("locker is required")
)

// ValidationError reports a request that cannot be reconciled as submitted.
// Its message is safe to echo to callers.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ServiceError carries a dotted "<operation>.<reason>" code plus the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "contacts.service.new"
	opIdentify        = "contacts.identify"
	opFindByAttribute = "contacts.store.find_by_email_or_phone"
	opFindByID        = "contacts.store.find_by_id"
	opClosure         = "contacts.store.find_cluster_closure"
	opCreate          = "contacts.store.create_contact"
	opRelink          = "contacts.store.relink_contact"
	opTransaction     = "contacts.store.transaction"
	opBuild           = "contacts.build_resolved_cluster"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func integrityError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDataIntegrity, fmt.Sprintf(format, args...))
}
