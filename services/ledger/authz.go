package ledger

import (
	"errors"
	"fmt"
)

type Actor string

const (
	ActorGateway  Actor = "gateway"
	ActorSweeper  Actor = "sweeper"
	ActorOperator Actor = "operator"
)

type Operation string

const (
	OpApplyTransition Operation = "ledger.apply_transition"
	OpRead            Operation = "ledger.read"
	OpVerify          Operation = "ledger.verify"
)

var ErrForbidden = errors.New("ledger: actor not permitted")

// permissions is the complete access policy for donation records. Status is
// written by the payment gateway only; every internal actor may read.
var permissions = map[Operation]map[Actor]bool{
	OpApplyTransition: {ActorGateway: true},
	OpRead:            {ActorGateway: true, ActorSweeper: true, ActorOperator: true},
	OpVerify:          {ActorOperator: true, ActorSweeper: true},
}

func authorize(actor Actor, op Operation) error {
	if permissions[op][actor] {
		return nil
	}
	return fmt.Errorf("%w: %s may not %s", ErrForbidden, actor, op)
}
