package http

import "txkv/pkg/store"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"

	// StatusConflict indicates a transaction lost a lock race and may be retried.
	StatusConflict Status = "conflict"
)

// Response represents the standard API response format.
type Response struct {
	Status  Status       `json:"status,omitempty"`
	Value   string       `json:"value,omitempty"`
	Entries []EntryJSON  `json:"entries,omitempty"`
	Stats   *store.Stats `json:"stats,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// EntryJSON is one key of a scan or of a transaction's reads.
type EntryJSON struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Found bool   `json:"found"`
}

// TxnRequest is the body of POST /api/txn. Reads run first, in order, then
// writes are buffered and committed.
type TxnRequest struct {
	Reads  []string   `json:"reads"`
	Writes []TxnWrite `json:"writes"`
}

type TxnWrite struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Delete bool   `json:"delete"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewEntriesResponse(entries []EntryJSON) Response {
	return Response{Status: StatusSuccess, Entries: entries}
}

func NewStatsResponse(st store.Stats) Response {
	return Response{Status: StatusSuccess, Stats: &st}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

func NewConflictResponse(err string) Response {
	return Response{Status: StatusConflict, Error: err}
}
