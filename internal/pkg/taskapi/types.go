package taskapi

import (
	"encoding/json"
	"errors"
)

// Task status values reported by the worker farm. Anything else is treated
// as still running.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Kind selects the endpoint family of a task.
type Kind string

const (
	KindLogin  Kind = "login_poll"
	KindQuery  Kind = "batch_query"
	KindRedeem Kind = "redeem"
)

var (
	// ErrTaskTimeout means the task was still running when the poll budget ran out.
	ErrTaskTimeout   = errors.New("task did not finish within the poll budget")
	ErrNotConfigured = errors.New("TASK_API_BASE_URL is not configured")
)

// LoginItem is one account in a login_poll task.
type LoginItem struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	VerifyURL string `json:"VerifyUrl"`
}

// QueryItem is one card in a batch_query task.
type QueryItem struct {
	ID  string `json:"id"`
	Pin string `json:"pin"`
}

// RedeemItem pairs an account with the card it should redeem.
type RedeemItem struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	VerifyURL string `json:"verify_url"`
	Pin       string `json:"pin"`
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// OK reports whether an envelope or item code signals success. The farm
// answers with 0 on most endpoints and 200 on some.
func OK(code int) bool {
	return code == 0 || code == 200
}

// Item is one entry of a batch status. Result is a JSON document encoded as
// a string whose shape depends on the task kind.
type Item struct {
	DataID string `json:"data_id"`
	Status string `json:"status"`
	Result string `json:"result"`
	Msg    string `json:"msg,omitempty"`
}

// Status is the data block of a status response.
type Status struct {
	Status string `json:"status"`
	Msg    string `json:"msg"`
	Items  []Item `json:"items"`
}

// Terminal reports whether the task reached completed or failed.
func (s *Status) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Item returns the entry with the given data id, or the only entry when the
// batch holds a single item.
func (s *Status) Item(dataID string) (*Item, bool) {
	for i := range s.Items {
		if s.Items[i].DataID == dataID {
			return &s.Items[i], true
		}
	}
	if len(s.Items) == 1 {
		return &s.Items[0], true
	}
	return nil, false
}

// RedeemResult is the decoded Result of a redeem item.
type RedeemResult struct {
	Code          int    `json:"code"`
	Msg           string `json:"msg"`
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
}

// DecodeRedeemResult parses a redeem item result. An empty result decodes to
// the zero value.
func DecodeRedeemResult(raw string) (RedeemResult, error) {
	var out RedeemResult
	if raw == "" {
		return out, nil
	}
	err := json.Unmarshal([]byte(raw), &out)
	return out, err
}
