package app

import "github.com/trustlock/escrow-service/internal/domain"

// Transition is one edge of the agreement state machine.
type Transition struct {
	From string
	To   string
}

// transitionKey keys the state machine on what happened (transaction type)
// and how it ended (normalized status).
type transitionKey struct {
	transactionType string
	status          string
}

// transitions is the complete agreement state machine. DEPOSIT_APPROVAL is
// deliberately absent: approvals change no agreement state. A failed
// deployment leaves the agreement in INITIATED so it can be retried.
var transitions = map[transitionKey]Transition{
	{domain.TransactionTypeEscrowDeploy, domain.TransactionStatusComplete}: {domain.AgreementStatusInitiated, domain.AgreementStatusOpen},
	{domain.TransactionTypeFundsDeposit, domain.TransactionStatusComplete}: {domain.AgreementStatusPending, domain.AgreementStatusLocked},
	{domain.TransactionTypeFundsDeposit, domain.TransactionStatusFailed}:   {domain.AgreementStatusPending, domain.AgreementStatusOpen},
	{domain.TransactionTypeFundsRelease, domain.TransactionStatusComplete}: {domain.AgreementStatusPending, domain.AgreementStatusClosed},
	{domain.TransactionTypeFundsRelease, domain.TransactionStatusFailed}:   {domain.AgreementStatusPending, domain.AgreementStatusLocked},
}

// TransitionFor looks up the agreement transition triggered by a transaction
// of the given type reaching the given status. The second return is false
// when the combination changes no agreement state.
func TransitionFor(transactionType, status string) (Transition, bool) {
	t, ok := transitions[transitionKey{transactionType, status}]
	return t, ok
}
