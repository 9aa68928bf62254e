package captoken

import (
	"errors"
	"fmt"
)

// Kind classifies why a capability link was refused. The set is closed; callers
// switch on it instead of inspecting error text.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadFormat
	KindBadSignature
	KindBadPayload
	KindExpired
	KindInvalidPayload
	KindLinkAlreadyUsed
	KindMisconfigured
	KindStorage
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindBadFormat:       "bad_format",
	KindBadSignature:    "bad_signature",
	KindBadPayload:      "bad_payload",
	KindExpired:         "expired",
	KindInvalidPayload:  "invalid_payload",
	KindLinkAlreadyUsed: "link_already_used",
	KindMisconfigured:   "misconfigured",
	KindStorage:         "storage",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the typed failure produced by the codec, the verifier and the ledger.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "captoken: " + e.Kind.String()
	}
	return "captoken: " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, ErrExpired) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Sentinels for errors.Is comparisons.
var (
	ErrBadFormat       = &Error{Kind: KindBadFormat}
	ErrBadSignature    = &Error{Kind: KindBadSignature}
	ErrBadPayload      = &Error{Kind: KindBadPayload}
	ErrExpired         = &Error{Kind: KindExpired}
	ErrInvalidPayload  = &Error{Kind: KindInvalidPayload}
	ErrLinkAlreadyUsed = &Error{Kind: KindLinkAlreadyUsed}
	ErrMisconfigured   = &Error{Kind: KindMisconfigured}
	ErrStorage         = &Error{Kind: KindStorage}
)

// KindOf extracts the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Outcome is the user-facing state a link failure maps to.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeExpired     Outcome = "expired"
	OutcomeUsed        Outcome = "link_used"
	OutcomeServerError Outcome = "server_error"
)

// OutcomeOf collapses the taxonomy into what an end user may learn. Format and
// signature failures are indistinguishable on purpose.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	switch KindOf(err) {
	case KindBadFormat, KindBadSignature, KindBadPayload, KindInvalidPayload:
		return OutcomeInvalid
	case KindExpired:
		return OutcomeExpired
	case KindLinkAlreadyUsed:
		return OutcomeUsed
	default:
		return OutcomeServerError
	}
}

// StorageError marks err as a ledger failure. Callers must abort and retry
// later; it is never a replay verdict.
func StorageError(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) == KindStorage {
		return err
	}
	return newError(KindStorage, err)
}
