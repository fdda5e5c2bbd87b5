package livequery

import "fmt"

// AnalysisError wraps a failure to derive a WatchSpec for a query: invalid
// SQL, or relations/columns the catalog doesn't know about.
type AnalysisError struct {
	Query string
	Err   error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis error for query %q: %v", e.Query, e.Err)
}
func (e *AnalysisError) Unwrap() error { return e.Err }

// TriggerInstallError wraps a DDL failure while installing a table trigger.
// Triggers already installed earlier in the same subscribe call are left in
// place; CREATE OR REPLACE makes re-installation idempotent.
type TriggerInstallError struct {
	Table string
	Err   error
}

func (e *TriggerInstallError) Error() string {
	return fmt.Sprintf("install trigger for %s: %v", e.Table, e.Err)
}
func (e *TriggerInstallError) Unwrap() error { return e.Err }

// TriggerRuntimeError is raised by the decoder when a trigger reports its
// own failure via the {error} envelope.
type TriggerRuntimeError struct {
	Table     string
	Operation string
	Message   string
}

func (e *TriggerRuntimeError) Error() string {
	return fmt.Sprintf("trigger failed on %s %s: %s", e.Table, e.Operation, e.Message)
}

// DecodeError wraps a malformed envelope, an OID the decoder can't
// resolve, or a cell value its type's codec rejects.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode notification: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// QueryExecutionError wraps a failed refresh run of a subscription's query.
type QueryExecutionError struct {
	Query string
	Err   error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("execute query %q: %v", e.Query, e.Err)
}
func (e *QueryExecutionError) Unwrap() error { return e.Err }
