package gmailer

import (
	"errors"
	"fmt"
)

type ErrorReason string

const (
	REASON_CONFIGURATION ErrorReason = "CONFIGURATION_ERROR"
	REASON_AUTH_EXCHANGE ErrorReason = "AUTH_EXCHANGE_ERROR"
	REASON_TOKEN_EXPIRED ErrorReason = "TOKEN_EXPIRED"
	REASON_PERSISTENCE   ErrorReason = "PERSISTENCE_ERROR"
	REASON_TRANSMIT      ErrorReason = "TRANSMIT_ERROR"
	REASON_VALIDATION    ErrorReason = "VALIDATION_ERROR"
)

// Fault narrows down why the remote end refused or failed a transmission.
type Fault string

const (
	FAULT_NONE     Fault = ""
	FAULT_AUTH     Fault = "AUTH"
	FAULT_PAYLOAD  Fault = "PAYLOAD"
	FAULT_QUOTA    Fault = "QUOTA"
	FAULT_REJECTED Fault = "REJECTED"
	FAULT_SERVICE  Fault = "SERVICE"
	FAULT_NETWORK  Fault = "NETWORK"
	FAULT_UNKNOWN  Fault = "UNKNOWN"
)

var _ error = &Error{}

type Error struct {
	Message string
	Reason  ErrorReason
	Fault   Fault
	Cause   error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s.", e.Reason, e.Message)
	if e.Fault != FAULT_NONE {
		s = fmt.Sprintf("%s(%s): %s.", e.Reason, e.Fault, e.Message)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" Cause: %s", e.Cause)
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ReasonOf returns the reason of the first *Error in err's chain.
func ReasonOf(err error) (ErrorReason, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason, true
	}
	return "", false
}

// FaultOf returns the transmit fault of the first *Error in err's chain.
func FaultOf(err error) Fault {
	var e *Error
	if errors.As(err, &e) {
		return e.Fault
	}
	return FAULT_NONE
}

func newError(reason ErrorReason, message string, cause error) *Error {
	return &Error{
		Message: message,
		Reason:  reason,
		Cause:   cause,
	}
}

func NewConfigurationError(message string, cause error) *Error {
	return newError(REASON_CONFIGURATION, message, cause)
}

func NewAuthExchangeError(message string, cause error) *Error {
	return newError(REASON_AUTH_EXCHANGE, message, cause)
}

func NewTokenExpiredError(message string, cause error) *Error {
	return newError(REASON_TOKEN_EXPIRED, message, cause)
}

func NewPersistenceError(message string, cause error) *Error {
	return newError(REASON_PERSISTENCE, message, cause)
}

func NewValidationError(message string, cause error) *Error {
	return newError(REASON_VALIDATION, message, cause)
}

func NewTransmitError(fault Fault, message string, cause error) *Error {
	e := newError(REASON_TRANSMIT, message, cause)
	e.Fault = fault
	return e
}
