package v1

import (
	"github.com/shopspring/decimal"
)

// TransactionAuthorizedEvent is the inbound payload of transaction.authorized.
// Identifiers are pointers so a missing field can be told apart from zero.
type TransactionAuthorizedEvent struct {
	TransactionID     *int64          `json:"transactionId"`
	HoldID            *int64          `json:"holdId"`
	IssuerAccountID   *int64          `json:"issuerAccountId"`
	MerchantAccountID *int64          `json:"merchantAccountId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
}

// CommitTransactionRequest is the body sent to the ledger commit endpoint.
type CommitTransactionRequest struct {
	TransactionID int64 `json:"transactionId"`
	HoldID        int64 `json:"holdId"`
}
