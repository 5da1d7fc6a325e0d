package graphs

import "fmt"

// PegInDepositorStatus is the depositor's next step on a peg-in.
type PegInDepositorStatus uint8

const (
	PegInDepositorNotStarted PegInDepositorStatus = iota
	PegInDepositorWait
	PegInDepositorConfirmAvailable
	PegInDepositorRefundAvailable
	PegInDepositorComplete
	PegInDepositorRefunded
)

// String returns the prompt shown by the status command.
func (s PegInDepositorStatus) String() string {
	switch s {
	case PegInDepositorNotStarted:
		return "Peg-in deposit not broadcast. Broadcast deposit?"
	case PegInDepositorWait:
		return "No action available. Wait..."
	case PegInDepositorConfirmAvailable:
		return "Peg-in pre-signed. Broadcast confirm transaction?"
	case PegInDepositorRefundAvailable:
		return "Peg-in timed out. Broadcast refund transaction?"
	case PegInDepositorComplete:
		return "Peg-in complete. Done."
	case PegInDepositorRefunded:
		return "Peg-in refunded. Done."
	default:
		return fmt.Sprintf("unknown peg-in depositor status %d",
			uint8(s))
	}
}

// Terminal reports whether no chain event can change the status anymore.
func (s PegInDepositorStatus) Terminal() bool {
	return s == PegInDepositorComplete || s == PegInDepositorRefunded
}

// PegInVerifierStatus is a verifier's next step on a peg-in.
type PegInVerifierStatus uint8

const (
	PegInVerifierPushNonces PegInVerifierStatus = iota
	PegInVerifierPreSign
	PegInVerifierWait
	PegInVerifierComplete
)

// String returns the prompt shown by the status command.
func (s PegInVerifierStatus) String() string {
	switch s {
	case PegInVerifierPushNonces:
		return "Nonces required. Push nonces for peg-in transactions?"
	case PegInVerifierPreSign:
		return "Signatures required. Presign peg-in transactions?"
	case PegInVerifierWait:
		return "No action available. Wait..."
	case PegInVerifierComplete:
		return "Peg-in complete. Done."
	default:
		return fmt.Sprintf("unknown peg-in verifier status %d",
			uint8(s))
	}
}

// Terminal reports whether no chain event can change the status anymore.
func (s PegInVerifierStatus) Terminal() bool {
	return s == PegInVerifierComplete
}

// PegOutDepositorStatus is the withdrawer's view of a peg-out.
type PegOutDepositorStatus uint8

const (
	PegOutDepositorNotStarted PegOutDepositorStatus = iota
	PegOutDepositorWait
	PegOutDepositorComplete
)

// String returns the prompt shown by the status command.
func (s PegOutDepositorStatus) String() string {
	switch s {
	case PegOutDepositorNotStarted:
		return "Peg-out available. Request peg-out?"
	case PegOutDepositorWait:
		return "No action available. Wait..."
	case PegOutDepositorComplete:
		return "Peg-out complete. Done."
	default:
		return fmt.Sprintf("unknown peg-out depositor status %d",
			uint8(s))
	}
}

// Terminal reports whether no chain event can change the status anymore.
func (s PegOutDepositorStatus) Terminal() bool {
	return s == PegOutDepositorComplete
}

// PegOutVerifierStatus is a verifier's next step on a peg-out.
type PegOutVerifierStatus uint8

const (
	PegOutVerifierPushNonces PegOutVerifierStatus = iota
	PegOutVerifierPreSign
	PegOutVerifierWait
	PegOutVerifierStartTimeTimeoutAvailable
	PegOutVerifierKickOffTimeoutAvailable
	PegOutVerifierDisproveChainAvailable
	PegOutVerifierDisproveAvailable
	PegOutVerifierBurnAvailable
	PegOutVerifierChallengeAvailable
	PegOutVerifierComplete
)

// String returns the prompt shown by the status command.
func (s PegOutVerifierStatus) String() string {
	switch s {
	case PegOutVerifierPushNonces:
		return "Nonces required. Push nonces for peg-out transactions?"
	case PegOutVerifierPreSign:
		return "Signatures required. Presign peg-out transactions?"
	case PegOutVerifierWait:
		return "No action available. Wait..."
	case PegOutVerifierStartTimeTimeoutAvailable:
		return "Start time timed out. Broadcast start time timeout " +
			"transaction?"
	case PegOutVerifierKickOffTimeoutAvailable:
		return "Kick-off timed out. Broadcast kick-off timeout " +
			"transaction?"
	case PegOutVerifierDisproveChainAvailable:
		return "Superblock commitment invalid. Broadcast disprove " +
			"chain transaction?"
	case PegOutVerifierDisproveAvailable:
		return "Assert transaction confirmed. Broadcast disprove " +
			"transaction?"
	case PegOutVerifierBurnAvailable:
		return "Assert timed out. Broadcast burn transaction?"
	case PegOutVerifierChallengeAvailable:
		return "Kick-off transaction confirmed, dispute available. " +
			"Broadcast challenge transaction?"
	case PegOutVerifierComplete:
		return "Peg-out complete. Done."
	default:
		return fmt.Sprintf("unknown peg-out verifier status %d",
			uint8(s))
	}
}

// Terminal reports whether no chain event can change the status anymore.
func (s PegOutVerifierStatus) Terminal() bool {
	return s == PegOutVerifierComplete
}

// PegOutOperatorStatus is the operator's next step on its peg-out graph.
type PegOutOperatorStatus uint8

const (
	PegOutOperatorPresignPending PegOutOperatorStatus = iota
	PegOutOperatorPegOutWait
	PegOutOperatorStartPegOut
	PegOutOperatorWait
	PegOutOperatorKickOff1Available
	PegOutOperatorStartTimeAvailable
	PegOutOperatorKickOff2Available
	PegOutOperatorAssertInitialAvailable
	PegOutOperatorAssertCommit1Available
	PegOutOperatorAssertCommit2Available
	PegOutOperatorAssertFinalAvailable
	PegOutOperatorTake1Available
	PegOutOperatorTake2Available
	PegOutOperatorComplete
	PegOutOperatorFailed
)

// String returns the prompt shown by the status command.
func (s PegOutOperatorStatus) String() string {
	switch s {
	case PegOutOperatorPresignPending:
		return "Waiting for the committee to presign. Wait..."
	case PegOutOperatorPegOutWait:
		return "No peg-out request. Wait..."
	case PegOutOperatorStartPegOut:
		return "Peg-out requested. Broadcast peg-out transaction?"
	case PegOutOperatorWait:
		return "No action available. Wait..."
	case PegOutOperatorKickOff1Available:
		return "Peg-out confirmed. Broadcast kick-off 1 transaction?"
	case PegOutOperatorStartTimeAvailable:
		return "Kick-off 1 confirmed. Broadcast start time " +
			"transaction?"
	case PegOutOperatorKickOff2Available:
		return "Start time confirmed. Broadcast kick-off 2 " +
			"transaction?"
	case PegOutOperatorAssertInitialAvailable:
		return "Dispute raised. Broadcast assert initial transaction?"
	case PegOutOperatorAssertCommit1Available:
		return "Assert initial confirmed. Broadcast assert commit 1 " +
			"transaction?"
	case PegOutOperatorAssertCommit2Available:
		return "Assert initial confirmed. Broadcast assert commit 2 " +
			"transaction?"
	case PegOutOperatorAssertFinalAvailable:
		return "Assert commits confirmed. Broadcast assert final " +
			"transaction?"
	case PegOutOperatorTake1Available:
		return "Dispute timed out, reimbursement available. " +
			"Broadcast take 1 transaction?"
	case PegOutOperatorTake2Available:
		return "Dispute timed out, reimbursement available. " +
			"Broadcast take 2 transaction?"
	case PegOutOperatorComplete:
		return "Peg-out complete, reimbursement succeded. Done."
	case PegOutOperatorFailed:
		return "Peg-out complete, reimbursement failed. Done."
	default:
		return fmt.Sprintf("unknown peg-out operator status %d",
			uint8(s))
	}
}

// Terminal reports whether no chain event can change the status anymore.
func (s PegOutOperatorStatus) Terminal() bool {
	return s == PegOutOperatorComplete || s == PegOutOperatorFailed
}
