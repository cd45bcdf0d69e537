package recovery

import (
	"errors"

	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/infra/rpc"
)

// FailureCategory separates errors worth retrying within an attempt from
// those that end it.
type FailureCategory int

const (
	CategoryTransient FailureCategory = iota
	CategoryPermanent
)

func (c FailureCategory) String() string {
	if c == CategoryPermanent {
		return "permanent"
	}
	return "transient"
}

// Classifier maps an error to a FailureCategory.
type Classifier func(err error) FailureCategory

// ClassifyReclaimError treats contract-level and funding failures as
// permanent for the current attempt. Nonce conflicts and RPC hiccups are
// transient.
func ClassifyReclaimError(err error) FailureCategory {
	switch {
	case err == nil:
		return CategoryTransient
	case errors.Is(err, domain.ErrInsufficientReclaimerFunds),
		errors.Is(err, domain.ErrRentalNotExpired),
		errors.Is(err, domain.ErrTransactionReverted),
		errors.Is(err, domain.ErrNoSigner),
		errors.Is(err, domain.ErrChainMismatch),
		errors.Is(err, domain.ErrAdapterClosed):
		return CategoryPermanent
	case rpc.IsNonceConflict(err):
		return CategoryTransient
	case rpc.ClassifyError(err) == rpc.ActionFatal:
		return CategoryPermanent
	default:
		return CategoryTransient
	}
}
