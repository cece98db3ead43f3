// Package errors implements the error taxonomy of the engine's user-facing
// and internal failure modes. The shape follows the teacher's Error{category,
// cause, severity} struct (secondary/indexer/*.go: Error{category: INDEXER,
// cause: err, severity: FATAL}), generalized to the request/task error
// surface this engine needs.
package errors

import (
	"fmt"

	"github.com/google/uuid"
)

// Type groups codes into the broad families a caller branches on.
type Type string

const (
	TypeInvalidRequest Type = "invalid_request"
	TypeAuth           Type = "auth"
	TypeNotFound       Type = "not_found"
	TypeConflict       Type = "conflict"
	TypeResource       Type = "resource"
	TypeInternal       Type = "internal"
	TypeRemote         Type = "remote"
)

// Code is one of the semantic error codes named in spec.md §7. Names are
// illustrative there; these are the concrete values this module emits.
type Code string

const (
	// Input validation
	CodeInvalidIndexUID      Code = "invalid_index_uid"
	CodeInvalidDocumentID    Code = "invalid_document_id"
	CodeMissingDocumentID    Code = "missing_document_id"
	CodeInvalidFilter        Code = "invalid_filter"
	CodeInvalidSort          Code = "invalid_sort"
	CodeInvalidSearchLocales Code = "invalid_search_locales"
	CodeInvalidTaskUIDs      Code = "invalid_task_uids"
	CodeInvalidTaskStatuses  Code = "invalid_task_statuses"
	CodeInvalidTaskTypes     Code = "invalid_task_types"
	CodeInvalidTaskDateRange Code = "invalid_task_date_range"
	CodeInvalidAPIKeyActions Code = "invalid_api_key_actions"
	CodeInvalidPrimaryKey    Code = "invalid_primary_key"

	// Auth
	CodeMissingAuthorizationHeader Code = "missing_authorization_header"
	CodeInvalidAPIKey              Code = "invalid_api_key"
	CodeInvalidToken               Code = "invalid_token"

	// Not found
	CodeIndexNotFound    Code = "index_not_found"
	CodeDocumentNotFound Code = "document_not_found"
	CodeTaskNotFound     Code = "task_not_found"
	CodeDumpNotFound     Code = "dump_not_found"

	// Conflict
	CodeIndexAlreadyExists        Code = "index_already_exists"
	CodePrimaryKeyAlreadyPresent  Code = "primary_key_already_present"
	CodeAPIKeyAlreadyExists       Code = "api_key_already_exists"

	// Resource
	CodeDatabaseSizeLimitReached Code = "database_size_limit_reached"
	CodeNoSpaceLeftOnDevice      Code = "no_space_left_on_device"
	CodePayloadTooLarge          Code = "payload_too_large"

	// Internal
	CodeInternal           Code = "internal"
	CodeInvalidStore       Code = "invalid_store"
	CodeMalformedPayload   Code = "malformed_payload"
	CodeMalformedDump      Code = "malformed_dump"
	CodeCorruptedTaskQueue Code = "corrupted_task_queue"

	// Remote
	CodeS3Error      Code = "s3_error"
	CodeS3HTTPError  Code = "s3_http_error"
	CodeS3XMLError   Code = "s3_xml_error"
	CodeAbortedTask  Code = "aborted_task"
	CodeUnretrievable Code = "unretrievable_error_code"
)

var typeOf = map[Code]Type{
	CodeInvalidIndexUID: TypeInvalidRequest, CodeInvalidDocumentID: TypeInvalidRequest,
	CodeMissingDocumentID: TypeInvalidRequest, CodeInvalidFilter: TypeInvalidRequest,
	CodeInvalidSort: TypeInvalidRequest, CodeInvalidSearchLocales: TypeInvalidRequest,
	CodeInvalidTaskUIDs: TypeInvalidRequest, CodeInvalidTaskStatuses: TypeInvalidRequest,
	CodeInvalidTaskTypes: TypeInvalidRequest, CodeInvalidTaskDateRange: TypeInvalidRequest,
	CodeInvalidAPIKeyActions: TypeInvalidRequest, CodeInvalidPrimaryKey: TypeInvalidRequest,

	CodeMissingAuthorizationHeader: TypeAuth, CodeInvalidAPIKey: TypeAuth, CodeInvalidToken: TypeAuth,

	CodeIndexNotFound: TypeNotFound, CodeDocumentNotFound: TypeNotFound,
	CodeTaskNotFound: TypeNotFound, CodeDumpNotFound: TypeNotFound,

	CodeIndexAlreadyExists: TypeConflict, CodePrimaryKeyAlreadyPresent: TypeConflict,
	CodeAPIKeyAlreadyExists: TypeConflict,

	CodeDatabaseSizeLimitReached: TypeResource, CodeNoSpaceLeftOnDevice: TypeResource,
	CodePayloadTooLarge: TypeResource,

	CodeInternal: TypeInternal, CodeInvalidStore: TypeInternal, CodeMalformedPayload: TypeInternal,
	CodeMalformedDump: TypeInternal, CodeCorruptedTaskQueue: TypeInternal,

	CodeS3Error: TypeRemote, CodeS3HTTPError: TypeRemote, CodeS3XMLError: TypeRemote,
	CodeAbortedTask: TypeRemote, CodeUnretrievable: TypeRemote,
}

// docLink is where a fuller error description would live; kept as a
// constant base so every error gets a stable, guessable link.
const docLink = "https://docs.lattice.dev/errors#"

// Error is the single tagged error type every layer of the engine returns.
// User-visible failures always carry {Message, Code, Type, Link} per
// spec.md §7; internal errors additionally carry a CorrelationID for log
// correlation, and an optional wrapped Cause for %w-style unwrapping.
type Error struct {
	Code          Code
	Message       string
	CorrelationID string
	Cause         error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Type returns the broad error family for this code.
func (e *Error) Type() Type {
	if t, ok := typeOf[e.Code]; ok {
		return t
	}
	return TypeInternal
}

// Link is the stable documentation URL for this error code.
func (e *Error) Link() string { return docLink + string(e.Code) }

// New builds a user-facing error: no correlation id, since these surface
// directly to the caller and are never logged as opaque internal failures.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an internal error from a lower-level cause, stamping a fresh
// correlation id so operators can grep logs for the exact failure instance.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       fmt.Sprintf(format, args...),
		CorrelationID: uuid.NewString(),
		Cause:         cause,
	}
}

// Is reports whether err itself is a *Error with the given code; a *Error
// wrapped inside another error is not found.
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Code == code
}
