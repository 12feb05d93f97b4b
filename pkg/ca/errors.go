package ca

import "github.com/pkg/errors"

var (
	// ErrEmptyCatalog is returned when a tree is requested over a catalog without actions.
	ErrEmptyCatalog = errors.New("catalog has no actions")
	// ErrIndexOutOfRange is returned by index based proof lookups.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrUnknownActionType is returned for type tags outside the action set.
	ErrUnknownActionType = errors.New("unknown action type")
	// ErrMissingArgument is returned when a named argument required by a schema is absent.
	ErrMissingArgument = errors.New("missing argument")
	// ErrTooManyArguments is returned when a function call gets more arguments than its signature declares.
	ErrTooManyArguments = errors.New("too many arguments")
	// ErrInvalidArgument is returned when a value cannot be converted to its ABI type.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoParties is returned when an action is appended without an authorizing party.
	ErrNoParties = errors.New("action requires at least one party")
	// ErrInvalidParty is returned for malformed party keys.
	ErrInvalidParty = errors.New("invalid party")
	// ErrCatalogMismatch is returned when a restored action belongs to another custody.
	ErrCatalogMismatch = errors.New("action does not belong to this custody")
	// ErrInvalidTree is returned when a dumped tree fails validation.
	ErrInvalidTree = errors.New("invalid merkle tree")
)
