package engine

import "escrowline/internal/domain"

// Session states. A state answers one question only: what is this
// party's next expected input. Project facts (funded, disputed, payout
// method) live on the project record, never in the state tag.
const (
	StateIdle                      = "idle"
	StateCapturingTerms            = "capturing-terms"
	StateConfirmingTerms           = "confirming-terms"
	StateAwaitingCounterparty      = "awaiting-counterparty"
	StateAwaitingAcceptance        = "awaiting-acceptance"
	StateSelectingPaymentType      = "selecting-payment-type"
	StateDefiningMilestones        = "defining-milestones"
	StateConfirmingMilestones      = "confirming-milestones"
	StateAwaitingFunding           = "awaiting-funding"
	StateWorking                   = "working"
	StateSubmittingWork            = "submitting-work"
	StateAwaitingApproval          = "awaiting-approval"
	StateReviewingWork             = "reviewing-work"
	StateRequestingChanges         = "requesting-changes"
	StateEditingMilestones         = "editing-milestones"
	StateAwaitingMilestoneApproval = "awaiting-milestone-approval"
	StateSelectingPayoutMethod     = "selecting-payout-method"
	StateAwaitingPayoutAddress     = "awaiting-payout-address"
	StateConfirmingRelease         = "confirming-release"
	StateSendingDirectMessage      = "sending-direct-message"
)

// Event kinds. Free text routes by the session's current state; every
// other kind is an explicit action.
const (
	EventStart = "start"
	EventReset = "reset"
	EventText  = "text"

	ActionRoleClient     = "role-client"
	ActionRoleFreelancer = "role-freelancer"

	ActionConfirmTerms = "confirm-terms"
	ActionEditTerms    = "edit-terms"

	ActionAccept  = "accept"
	ActionDecline = "decline"

	ActionPaymentOneTime   = "payment-one-time"
	ActionPaymentMilestone = "payment-milestone"

	ActionConfirmMilestones = "confirm-milestones"
	ActionResetMilestones   = "reset-milestones"

	ActionFundCrypto = "fund-crypto"
	ActionFundFiat   = "fund-fiat"
	ActionFund       = "fund"

	ActionSendMessage = "send-message"

	ActionSubmitWork     = "submit-work"
	ActionSubmitFinal    = "submit-final"
	ActionApproveWork    = "approve-work"
	ActionRequestChanges = "request-changes"

	ActionEditMilestones   = "edit-milestones"
	ActionSendForApproval  = "send-for-approval"
	ActionApproveMilestone = "approve-milestones"
	ActionRejectMilestone  = "reject-milestones"

	ActionPayoutCrypto   = "payout-crypto"
	ActionPayoutFiat     = "payout-fiat"
	ActionConfirmRelease = "confirm-release"

	ActionDispute = "dispute"
)

// Event is a single input from one party: an action selection or free
// text, routed by the party's current state.
type Event struct {
	Kind string
	Text string
}

// lockedStates are active-engagement states. A party in one of these
// cannot be re-initialized into a new role or project until the current
// project completes or is cancelled.
var lockedStates = map[string]bool{
	StateWorking:                   true,
	StateSubmittingWork:            true,
	StateAwaitingApproval:          true,
	StateReviewingWork:             true,
	StateRequestingChanges:         true,
	StateEditingMilestones:         true,
	StateAwaitingMilestoneApproval: true,
	StateSelectingPayoutMethod:     true,
	StateAwaitingPayoutAddress:     true,
	StateConfirmingRelease:         true,
	StateSendingDirectMessage:      true,
}

type transitionKey struct {
	state string
	kind  string
}

type handlerFunc func(e *Engine, tc *txnCtx) error

// transition pairs a handler with its role requirement. An empty role
// admits either party. Custody transitions run the phased commit path
// in Apply instead of the single-transaction path.
type transition struct {
	role    string
	custody bool
	handler handlerFunc
}

var transitions = map[transitionKey]transition{
	{StateIdle, ActionRoleClient}:     {handler: (*Engine).handleRoleClient},
	{StateIdle, ActionRoleFreelancer}: {handler: (*Engine).handleRoleFreelancer},

	{StateCapturingTerms, EventText}:           {role: domain.RoleClient, handler: (*Engine).handleTermsInput},
	{StateConfirmingTerms, ActionConfirmTerms}: {role: domain.RoleClient, handler: (*Engine).handleConfirmTerms},
	{StateConfirmingTerms, ActionEditTerms}:    {role: domain.RoleClient, handler: (*Engine).handleEditTerms},

	{StateAwaitingCounterparty, EventText}: {role: domain.RoleClient, handler: (*Engine).handleCounterpartyHandle},

	{StateAwaitingAcceptance, ActionAccept}:  {role: domain.RoleFreelancer, handler: (*Engine).handleAccept},
	{StateAwaitingAcceptance, ActionDecline}: {role: domain.RoleFreelancer, handler: (*Engine).handleDecline},

	{StateSelectingPaymentType, ActionPaymentOneTime}:   {role: domain.RoleClient, handler: (*Engine).handlePaymentOneTime},
	{StateSelectingPaymentType, ActionPaymentMilestone}: {role: domain.RoleClient, handler: (*Engine).handlePaymentMilestone},

	{StateDefiningMilestones, EventText}:                 {role: domain.RoleClient, handler: (*Engine).handleMilestoneInput},
	{StateDefiningMilestones, ActionResetMilestones}:     {role: domain.RoleClient, handler: (*Engine).handleResetMilestones},
	{StateConfirmingMilestones, ActionConfirmMilestones}: {role: domain.RoleClient, handler: (*Engine).handleConfirmMilestones},
	{StateConfirmingMilestones, ActionResetMilestones}:   {role: domain.RoleClient, handler: (*Engine).handleResetMilestones},

	{StateAwaitingFunding, ActionFundCrypto}: {role: domain.RoleClient, handler: (*Engine).handleFundCrypto},
	{StateAwaitingFunding, ActionFundFiat}:   {role: domain.RoleClient, handler: (*Engine).handleFundFiat},
	{StateAwaitingFunding, ActionFund}:       {role: domain.RoleClient, custody: true},

	{StateWorking, ActionSendMessage}:      {handler: (*Engine).handleSendMessage},
	{StateSendingDirectMessage, EventText}: {handler: (*Engine).handleDirectMessage},

	{StateWorking, ActionSubmitWork}:         {role: domain.RoleFreelancer, handler: (*Engine).handleSubmitWork},
	{StateSubmittingWork, EventText}:         {role: domain.RoleFreelancer, handler: (*Engine).handleSubmissionPart},
	{StateSubmittingWork, ActionSubmitFinal}: {role: domain.RoleFreelancer, handler: (*Engine).handleSubmitFinal},

	{StateReviewingWork, ActionApproveWork}:    {role: domain.RoleClient, handler: (*Engine).handleApproveWork},
	{StateReviewingWork, ActionRequestChanges}: {role: domain.RoleClient, handler: (*Engine).handleRequestChanges},
	{StateRequestingChanges, EventText}:        {role: domain.RoleClient, handler: (*Engine).handleChangeReason},

	{StateWorking, ActionEditMilestones}:                     {role: domain.RoleClient, handler: (*Engine).handleEditMilestones},
	{StateEditingMilestones, EventText}:                      {role: domain.RoleClient, handler: (*Engine).handleStagedMilestoneInput},
	{StateEditingMilestones, ActionResetMilestones}:          {role: domain.RoleClient, handler: (*Engine).handleResetStagedMilestones},
	{StateEditingMilestones, ActionSendForApproval}:          {role: domain.RoleClient, handler: (*Engine).handleSendForApproval},
	{StateAwaitingMilestoneApproval, ActionApproveMilestone}: {role: domain.RoleFreelancer, handler: (*Engine).handleApproveMilestones},
	{StateAwaitingMilestoneApproval, ActionRejectMilestone}:  {role: domain.RoleFreelancer, handler: (*Engine).handleRejectMilestones},

	{StateSelectingPayoutMethod, ActionPayoutCrypto}: {role: domain.RoleFreelancer, handler: (*Engine).handlePayoutCrypto},
	{StateSelectingPayoutMethod, ActionPayoutFiat}:   {role: domain.RoleFreelancer, handler: (*Engine).handlePayoutFiat},
	{StateAwaitingPayoutAddress, EventText}:          {role: domain.RoleFreelancer, handler: (*Engine).handlePayoutAddress},

	{StateConfirmingRelease, ActionConfirmRelease}: {role: domain.RoleClient, custody: true},

	{StateWorking, ActionDispute}: {custody: true},
}
