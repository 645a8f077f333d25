package domain

import "errors"

// Errors shared by the ledger store implementations and their callers.
var (
	// ErrDuplicateExternalPayment means an entry with the same
	// (payment_method, external_payment_id) already exists. Retried
	// webhooks and duplicate controller calls land here.
	ErrDuplicateExternalPayment = errors.New("duplicate external payment")

	// ErrEntryNotFound means no ledger entry matched the lookup.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrSettlementInProgress means another settlement holds the
	// per-provider claim.
	ErrSettlementInProgress = errors.New("settlement already in progress for provider")
)
