package chat

import "errors"

// ErrorKind classifies failures for callers deciding retry/reject behavior.
type ErrorKind uint8

const (
	// KindInternal is an unclassified failure.
	KindInternal ErrorKind = iota
	// KindAuthorization: rejected before any mutation, never auto-retried.
	KindAuthorization
	// KindValidation: malformed request, rejected pre-persistence.
	KindValidation
	// KindNotFound: unresolved message/conversation id.
	KindNotFound
	// KindTransient: durable store unavailable; the only class a caller
	// may retry. The core never retries internally.
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is the structured domain error: a kind plus the violated rule.
type Error struct {
	Kind ErrorKind
	Rule string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Rule + ": " + e.Err.Error()
	}
	return e.Rule
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets sentinel values match wrapped copies by kind and rule.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && e.Rule == t.Rule
}

// Authorization builds an authorization failure describing the violated rule.
func Authorization(rule string) error {
	return &Error{Kind: KindAuthorization, Rule: rule}
}

// Validation builds a pre-persistence validation failure.
func Validation(rule string) error {
	return &Error{Kind: KindValidation, Rule: rule}
}

// NotFound builds an unresolved-id failure.
func NotFound(rule string) error {
	return &Error{Kind: KindNotFound, Rule: rule}
}

// Transient wraps a store failure as retryable-by-caller.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Rule: op + " unavailable", Err: err}
}

// Sentinel errors for the common rejections.
var (
	ErrNotParticipant       = Authorization("user is not a participant of the conversation")
	ErrNotSender            = Authorization("only the sender may modify the message")
	ErrMessageNotFound      = NotFound("message not found")
	ErrConversationNotFound = NotFound("conversation not found")
)

// KindOf extracts the ErrorKind from err, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// asDomain passes domain errors through and wraps anything else as a
// transient store failure, so unexpected driver errors surface as the one
// retryable class instead of leaking internals.
func asDomain(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Transient(op, err)
}
