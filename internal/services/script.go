package services

import (
	"fmt"
	"time"

	"github.com/dngun/escrow-backend/internal/models"
	"github.com/dngun/escrow-backend/internal/registry"
)

// The negotiation bot is a decision tree over named nodes. Each node carries
// the bot message shown on entry, the actions offered to the human, and the
// free-text input kind it expects, if any. Transitions live in the dispatch
// code in negotiation.go; the table here is pure data plus templates.

type nodeID string

const (
	// buyer flow
	nodeBuyerAwaitPayment     nodeID = "awaiting_payment_confirmation"
	nodeBuyerVerifyingPayment nodeID = "verifying_payment"
	nodeBuyerWaitSeller       nodeID = "waiting_for_seller"
	nodeBuyerRegistryUsername nodeID = "await_buyer_registry_username"
	nodeBuyerEnterUsername    nodeID = "enter_registry_username"
	nodeBuyerPushing          nodeID = "pushing_to_buyer"

	// seller flow
	nodeSellerCheckingPayment nodeID = "checking_payment_method"
	nodeSellerNoPayment       nodeID = "no_payment_method"
	nodeSellerPaymentReady    nodeID = "payment_method_ready"
	nodeSellerChoose          nodeID = "choose_transfer_method"
	nodeSellerPushInstr       nodeID = "push_instructions"
	nodeSellerVerifyingPush   nodeID = "verifying_push"
	nodeSellerTransferInstr   nodeID = "transfer_instructions"
	nodeSellerAwaitAuthCode   nodeID = "await_auth_code"
	nodeSellerTransferring    nodeID = "registrar_transfer_in_progress"
	nodeSellerAwaitRelease    nodeID = "awaiting_final_delivery"

	// shared
	nodeSummary  nodeID = "transaction_summary"
	nodeFailed   nodeID = "transaction_error"
	nodeObserver nodeID = "observer"
)

// Action type tags. Stable identifiers the UI posts back.
const (
	actionConfirmPayment      = "confirm_payment"
	actionPaymentHelp         = "payment_help"
	actionSetupPayment        = "setup_payment"
	actionPaymentReady        = "payment_ready"
	actionPushDomain          = "push_domain"
	actionTransferDomain      = "transfer_domain"
	actionConfirmPushComplete = "confirm_push_complete"
	actionPushHelp            = "push_help"
	actionProvideAuthCode     = "provide_auth_code"
	actionUnlockHelp          = "unlock_help"
	actionChangeToPush        = "change_to_push"
	actionPreferTransfer      = "prefer_transfer"
	actionProvideUsername     = "provide_buyer_username"
	actionCloseChat           = "close_chat"
)

// Free-text input kinds.
const (
	inputAuthCode         = "auth_code"
	inputRegistryUsername = "registry_username"
)

type scriptNode struct {
	message func(v nodeView) string
	actions []models.Action
	input   string
}

// nodeView is the data a message template may interpolate.
type nodeView struct {
	tx  models.Transaction
	reg registry.Registrar
}

func (v nodeView) domain() string { return v.tx.DomainName + v.tx.Extension }

func (v nodeView) amount() string {
	return fmt.Sprintf("$%.2f", float64(v.tx.Amount)/100)
}

var scriptNodes = map[nodeID]scriptNode{
	nodeBuyerAwaitPayment: {
		message: func(v nodeView) string {
			return fmt.Sprintf(`Step 1: Payment Escrow

To keep this sale secure, transfer the payment to our escrow service first. This protects both you and the seller.

Please transfer %s to the escrow account:

Account: DNGun Escrow Services
Account #: 1234-5678-9012
Routing: 123456789
Reference: TXN-%s

Once you have made the transfer, confirm below.`, v.amount(), v.tx.ID)
		},
		actions: []models.Action{
			{Type: actionConfirmPayment, Label: "I have transferred the payment"},
			{Type: actionPaymentHelp, Label: "Need help with payment"},
		},
	},
	nodeBuyerVerifyingPayment: {
		message: func(v nodeView) string {
			return "Verifying your payment...\n\nPlease allow 1-2 minutes for payment verification."
		},
	},
	nodeBuyerWaitSeller: {
		message: func(v nodeView) string {
			return fmt.Sprintf("Payment verified! %s received in escrow.\n\nNow notifying the seller to transfer the domain. You'll be prompted here once the domain is in our possession.", v.amount())
		},
	},
	nodeBuyerRegistryUsername: {
		message: func(v nodeView) string {
			return fmt.Sprintf(`Final step: domain transfer to your account.

The domain %q is now in DNGun's possession. To complete the transfer I need your %s username so we can push the domain directly to your account.

Push (recommended): instant, within the same registrar.
Transfer: 5-7 days, between different registrars.`, v.domain(), v.reg.Name)
		},
		actions: []models.Action{
			{Type: actionProvideUsername, Label: "Provide registry username"},
			{Type: actionPreferTransfer, Label: "I prefer a registrar transfer instead"},
		},
	},
	nodeBuyerEnterUsername: {
		message: func(v nodeView) string {
			return fmt.Sprintf("Please enter your %s username.\n\nThis is the account that will receive %q, so make sure it is correct.", v.reg.Name, v.domain())
		},
		input: inputRegistryUsername,
	},
	nodeBuyerPushing: {
		message: func(v nodeView) string {
			return fmt.Sprintf("Initiating domain push to your %s account...\n\nCheck your account in 5-10 minutes.", v.reg.Name)
		},
	},

	nodeSellerCheckingPayment: {
		message: func(v nodeView) string {
			return "Checking your payment setup...\n\nFor this sale to proceed you need a payout method configured to receive funds."
		},
	},
	nodeSellerNoPayment: {
		message: func(v nodeView) string {
			return `No payout method found.

Before we can proceed, set up your preferred payout method under Settings -> Payment Methods:
- bank account details, or
- PayPal account, or
- cryptocurrency wallet

Once set up, confirm below.`
		},
		actions: []models.Action{
			{Type: actionSetupPayment, Label: "Set up payout method"},
			{Type: actionPaymentReady, Label: "I have set up a payout method"},
		},
	},
	nodeSellerPaymentReady: {
		message: func(v nodeView) string {
			return "Payout method verified.\n\nI'll notify you once the buyer has transferred their payment to our escrow service. Please stand by."
		},
	},
	nodeSellerChoose: {
		message: func(v nodeView) string {
			return fmt.Sprintf(`Good news: the buyer has transferred %s to our escrow service.

Now it's your turn to hand over the domain. You have two options:

Option A: push the domain to our marketplace account within %s (fast, usually minutes).
Option B: transfer the domain to our preferred registrar (5-7 business days, auth code required).

Which do you prefer?`, v.amount(), v.reg.Name)
		},
		actions: []models.Action{
			{Type: actionPushDomain, Label: "Push domain (fast)"},
			{Type: actionTransferDomain, Label: "Transfer domain"},
		},
	},
	nodeSellerPushInstr: {
		message: func(v nodeView) string {
			lock := "can remain locked"
			if v.reg.UnlockRequiredForPush {
				lock = "must be unlocked first"
			}
			return fmt.Sprintf(`Push process for %s:

- Registrar: %s
- Auth code: not required
- Domain lock: %s

Instructions:
1. Log into your %s account.
2. Go to %s.
3. Push %q to our marketplace account: %s
4. We accept the push automatically.

%s

Once the push is done, confirm below.`,
				v.domain(), v.reg.Name, lock, v.reg.Name, v.reg.PushMenuPath, v.domain(), v.reg.MarketplaceUsername, v.reg.Notes)
		},
		actions: []models.Action{
			{Type: actionConfirmPushComplete, Label: "Domain push completed"},
			{Type: actionPushHelp, Label: "Need help with the push"},
			{Type: actionPreferTransfer, Label: "Switch to registrar transfer"},
		},
	},
	nodeSellerVerifyingPush: {
		message: func(v nodeView) string {
			return "Verifying the domain push...\n\nChecking domain ownership in our system."
		},
	},
	nodeSellerTransferInstr: {
		message: func(v nodeView) string {
			return fmt.Sprintf(`Registrar transfer selected for %s.

- Auth code (EPP): required
- Domain lock: must be unlocked first
- Timeline: 5-7 business days

Steps:
1. Unlock the domain at your current registrar.
2. Obtain the authorization (EPP) code.
3. Provide the code here to start the transfer.

Transfers take much longer than pushes and ICANN fees may apply.

Ready to provide the authorization code?`, v.domain())
		},
		actions: []models.Action{
			{Type: actionProvideAuthCode, Label: "Provide auth code"},
			{Type: actionUnlockHelp, Label: "How to unlock the domain"},
			{Type: actionChangeToPush, Label: "Switch to push (faster)"},
		},
	},
	nodeSellerAwaitAuthCode: {
		message: func(v nodeView) string {
			return "Please enter the authorization code (EPP code) for the domain.\n\nThe code is 8-16 characters of letters, digits or dashes."
		},
		input: inputAuthCode,
	},
	nodeSellerTransferring: {
		message: func(v nodeView) string {
			return fmt.Sprintf("Registrar transfer of %q is underway.\n\nExpected completion: 5-7 business days. I'll notify both parties when it lands.", v.domain())
		},
	},
	nodeSellerAwaitRelease: {
		message: func(v nodeView) string {
			return fmt.Sprintf("The domain %q is now in DNGun's possession.\n\nReleasing payment and preparing the final hand-off to the buyer.", v.domain())
		},
	},

	nodeSummary: {
		message: func(v nodeView) string {
			return fmt.Sprintf(`Transaction completed successfully.

Summary:
- Payment received: %s
- Domain handed over: %s
- Payment released to seller
- Domain delivered to buyer

Buyer: the domain should appear in your registrar account within 5-10 minutes.
Seller: the payout reaches your account within 1-2 business days.

Transaction ID: %s
Support: support@dngun.com`, v.amount(), v.domain(), v.tx.ID)
		},
		actions: []models.Action{
			{Type: actionCloseChat, Label: "Close chat"},
		},
	},
	nodeFailed: {
		message: func(v nodeView) string {
			return "Something went wrong with this transaction. Please retry the last step or contact support@dngun.com."
		},
	},
	nodeObserver: {
		message: func(v nodeView) string {
			return "You are viewing this transaction as an observer. Only the buyer and seller can take actions here."
		},
	},
}

// deriveCursor projects the script position purely from the canonical
// transaction state and the viewer's role. Sessions reconstruct their cursor
// through this on every open; the cursor is never a second source of truth.
func deriveCursor(state models.TransactionState, role models.Role) nodeID {
	if role == models.RoleObserver {
		return nodeObserver
	}
	if state == models.StateFailed {
		return nodeFailed
	}
	if state == models.StateCompleted {
		return nodeSummary
	}
	if role == models.RoleBuyer {
		switch state {
		case models.StateInitiated, models.StatePaymentPending:
			return nodeBuyerAwaitPayment
		case models.StatePaymentConfirmed, models.StateTransferInitiated, models.StateTransferInProgress:
			return nodeBuyerWaitSeller
		default: // transfer_completed
			return nodeBuyerRegistryUsername
		}
	}
	switch state {
	case models.StateInitiated, models.StatePaymentPending:
		return nodeSellerCheckingPayment
	case models.StatePaymentConfirmed:
		return nodeSellerChoose
	case models.StateTransferInitiated, models.StateTransferInProgress:
		return nodeSellerTransferring
	default: // transfer_completed
		return nodeSellerAwaitRelease
	}
}

// ScriptDelays are the simulated latencies of the bot's timed steps. Typing
// is cosmetic; the rest stand in for out-of-band verification work.
type ScriptDelays struct {
	Typing           time.Duration
	PaymentCheck     time.Duration
	PaymentVerify    time.Duration
	PushVerify       time.Duration
	TransferProgress time.Duration
	TransferComplete time.Duration
	FinalPush        time.Duration
}

func DefaultScriptDelays() ScriptDelays {
	return ScriptDelays{
		Typing:           2 * time.Second,
		PaymentCheck:     2 * time.Second,
		PaymentVerify:    5 * time.Second,
		PushVerify:       3 * time.Second,
		TransferProgress: 3 * time.Second,
		TransferComplete: 10 * time.Second,
		FinalPush:        4 * time.Second,
	}
}
