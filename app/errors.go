package app

import (
	"errors"
	"fmt"

	"github.com/sweater-ventures/brainfreeze/db"
)

const (
	KeyAlreadyConnected    = "AlreadyConnected"
	KeyArgumentError       = "ArgumentError"
	KeyUnknownError        = "UnknownError"
	KeyUnexpectedErrorKey  = "UnexpectedErrorKey"
	KeyDatabaseUnavailable = "DatabaseUnavailable"
)

var errorMessages = map[string]string{
	KeyAlreadyConnected:    "The client [%s] which is already connected is trying to connect again. Old connection disconnected.",
	KeyArgumentError:       "Lack of argument [%s].",
	KeyUnknownError:        "Unknown error occured.",
	KeyUnexpectedErrorKey:  "Error key [%s] doesn't exist. Check your code.",
	KeyDatabaseUnavailable: "Unable to connect to database.",
}

// BrokerError is a catalogued failure reported back to producers and
// subscribers. Two BrokerErrors match under errors.Is when their names match.
type BrokerError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *BrokerError) Error() string {
	return e.Name + ": " + e.Message
}

func (e *BrokerError) Is(target error) bool {
	t, ok := target.(*BrokerError)
	return ok && t.Name == e.Name
}

var (
	ErrAlreadyConnected    = &BrokerError{Name: KeyAlreadyConnected}
	ErrArgument            = &BrokerError{Name: KeyArgumentError}
	ErrUnknown             = &BrokerError{Name: KeyUnknownError}
	ErrUnexpectedErrorKey  = &BrokerError{Name: KeyUnexpectedErrorKey}
	ErrDatabaseUnavailable = &BrokerError{Name: KeyDatabaseUnavailable}
)

// NewError builds the catalogued error for key, formatting args into its
// message. An unknown key yields an UnexpectedErrorKey error naming it.
func NewError(key string, args ...any) *BrokerError {
	msg, ok := errorMessages[key]
	if !ok {
		return &BrokerError{
			Name:    KeyUnexpectedErrorKey,
			Message: fmt.Sprintf(errorMessages[KeyUnexpectedErrorKey], key),
		}
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return &BrokerError{Name: key, Message: msg}
}

func argumentError(field string) *BrokerError {
	return NewError(KeyArgumentError, field)
}

// AsBrokerError returns the BrokerError in err's chain, or UnknownError.
func AsBrokerError(err error) *BrokerError {
	var be *BrokerError
	if errors.As(err, &be) && be.Message != "" {
		return be
	}
	if errors.Is(err, ErrDatabaseUnavailable) {
		return NewError(KeyDatabaseUnavailable)
	}
	return NewError(KeyUnknownError)
}

// Ack acknowledges a subscribe or enqueue request.
type Ack struct {
	RequestID string           `json:"requestId"`
	Status    db.RequestResult `json:"status"`
	RecordID  string           `json:"recordId,omitempty"`
	Error     *BrokerError     `json:"error,omitempty"`
}

func (a Ack) OK() bool {
	return a.Status == db.ResultSuccess
}

func successAck(requestID string) Ack {
	return Ack{RequestID: requestID, Status: db.ResultSuccess}
}

func failureAck(requestID string, err error) Ack {
	return Ack{RequestID: requestID, Status: db.ResultFail, Error: AsBrokerError(err)}
}
