package reshard

import "github.com/pg-sharding/reshard/qdb"

var coordinatorTransitions = map[qdb.CoordinatorState][]qdb.CoordinatorState{
	qdb.CoordinatorInitializing:      {qdb.CoordinatorPreparingToDonate, qdb.CoordinatorAborting},
	qdb.CoordinatorPreparingToDonate: {qdb.CoordinatorCloning, qdb.CoordinatorAborting},
	qdb.CoordinatorCloning:           {qdb.CoordinatorApplying, qdb.CoordinatorAborting},
	qdb.CoordinatorApplying:          {qdb.CoordinatorBlockingWrites, qdb.CoordinatorAborting},
	qdb.CoordinatorBlockingWrites:    {qdb.CoordinatorCommitting, qdb.CoordinatorAborting},
	qdb.CoordinatorCommitting:        {qdb.CoordinatorCommitted},
	qdb.CoordinatorAborting:          {qdb.CoordinatorAborted},
	qdb.CoordinatorCommitted:         nil,
	qdb.CoordinatorAborted:           nil,
}

var donorTransitions = map[qdb.DonorState][]qdb.DonorState{
	qdb.DonorUnused:   {qdb.DonorDonating, qdb.DonorAborting},
	qdb.DonorDonating: {qdb.DonorBlocking, qdb.DonorAborting},
	qdb.DonorBlocking: {qdb.DonorDone, qdb.DonorAborting},
	qdb.DonorAborting: {qdb.DonorDone},
	qdb.DonorDone:     nil,
}

var recipientTransitions = map[qdb.RecipientState][]qdb.RecipientState{
	qdb.RecipientUnused:            {qdb.RecipientCloning, qdb.RecipientAborting},
	qdb.RecipientCloning:           {qdb.RecipientCatchingUp, qdb.RecipientAborting},
	qdb.RecipientCatchingUp:        {qdb.RecipientStrictConsistency, qdb.RecipientAborting},
	qdb.RecipientStrictConsistency: {qdb.RecipientApplying, qdb.RecipientAborting},
	qdb.RecipientApplying:          {qdb.RecipientDone},
	qdb.RecipientAborting:          {qdb.RecipientDone},
	qdb.RecipientDone:              nil,
}

func canTransition[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

func CanTransitionCoordinator(from, to qdb.CoordinatorState) bool {
	return canTransition(coordinatorTransitions, from, to)
}

func CanTransitionDonor(from, to qdb.DonorState) bool {
	return canTransition(donorTransitions, from, to)
}

func CanTransitionRecipient(from, to qdb.RecipientState) bool {
	return canTransition(recipientTransitions, from, to)
}

// NextCoordinatorState returns the forward successor of s on the commit path.
func NextCoordinatorState(s qdb.CoordinatorState) (qdb.CoordinatorState, bool) {
	switch s {
	case qdb.CoordinatorInitializing:
		return qdb.CoordinatorPreparingToDonate, true
	case qdb.CoordinatorPreparingToDonate:
		return qdb.CoordinatorCloning, true
	case qdb.CoordinatorCloning:
		return qdb.CoordinatorApplying, true
	case qdb.CoordinatorApplying:
		return qdb.CoordinatorBlockingWrites, true
	case qdb.CoordinatorBlockingWrites:
		return qdb.CoordinatorCommitting, true
	case qdb.CoordinatorCommitting:
		return qdb.CoordinatorCommitted, true
	case qdb.CoordinatorAborting:
		return qdb.CoordinatorAborted, true
	case qdb.CoordinatorCommitted, qdb.CoordinatorAborted:
		return s, false
	default:
		return s, false
	}
}

func IsKnownCoordinatorState(s qdb.CoordinatorState) bool {
	_, ok := coordinatorTransitions[s]
	return ok
}

func DonorIsTerminal(s qdb.DonorState) bool {
	return s == qdb.DonorDone
}

func RecipientIsTerminal(s qdb.RecipientState) bool {
	return s == qdb.RecipientDone
}
