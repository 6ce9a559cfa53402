package services

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dngun/escrow-backend/internal/api/validate"
	"github.com/dngun/escrow-backend/internal/clock"
	"github.com/dngun/escrow-backend/internal/metrics"
	"github.com/dngun/escrow-backend/internal/models"
	"github.com/dngun/escrow-backend/internal/registry"
	repo "github.com/dngun/escrow-backend/internal/repository"
	"github.com/google/uuid"
)

var ErrNoSession = errors.New("no open negotiation session")

// SessionView is the snapshot handed to the API layer.
type SessionView struct {
	TransactionID  string           `json:"transaction_id"`
	Role           models.Role      `json:"role"`
	Cursor         string           `json:"cursor"`
	Messages       []models.Message `json:"messages"`
	PendingActions []models.Action  `json:"pending_actions"`
	ExpectedInput  string           `json:"expected_input,omitempty"`
}

// session is the ephemeral per-viewer conversation state layered on a
// transaction. It holds nothing that must outlive the chat view; the cursor
// is always reconstructible from (transaction.state, role).
type session struct {
	transactionID string
	userID        string
	role          models.Role

	mu       sync.Mutex
	cursor   nodeID
	messages []models.Message
	pending  []models.Action
	input    string
	timers   []clock.Timer
	closed   bool

	unsubscribe func()
}

// NegotiationService runs the scripted buyer/seller dialogue on top of the
// engine. It owns every open session.
type NegotiationService struct {
	engine *TransactionEngine
	users  repo.Users
	clk    clock.Clock
	log    *slog.Logger
	delays ScriptDelays

	mu       sync.Mutex
	sessions map[string]*session
}

func NewNegotiationService(engine *TransactionEngine, users repo.Users, clk clock.Clock, log *slog.Logger, delays ScriptDelays) *NegotiationService {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &NegotiationService{
		engine:   engine,
		users:    users,
		clk:      clk,
		log:      log,
		delays:   delays,
		sessions: map[string]*session{},
	}
}

func sessionKey(transactionID, userID string) string {
	return transactionID + "\x00" + userID
}

// Open creates (or returns) the viewer's session for a transaction. The
// script cursor is derived from the canonical state, never from any prior
// session.
func (n *NegotiationService) Open(transactionID, userID string) (SessionView, error) {
	tx, err := n.engine.Get(transactionID)
	if err != nil {
		return SessionView{}, err
	}

	n.mu.Lock()
	if s, ok := n.sessions[sessionKey(transactionID, userID)]; ok {
		n.mu.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		return n.view(s), nil
	}
	s := &session{
		transactionID: transactionID,
		userID:        userID,
		role:          models.UserRole(tx, userID),
	}
	n.sessions[sessionKey(transactionID, userID)] = s
	n.mu.Unlock()
	metrics.ActiveSessions.Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsubscribe = n.engine.Subscribe(transactionID, func(u StateUpdate) {
		// Runs inside the engine's notify path; only hand off, so a session
		// reacting to its own Advance call can't deadlock on its mutex.
		n.clk.AfterFunc(0, func() { n.onUpdate(s, u) })
	})

	v := n.nodeView(tx)
	n.appendBot(s, "Hello! I'm the DNGun transaction bot. I'll guide you through the secure domain transfer process.", nil)
	n.appendBot(s, fmt.Sprintf("Transaction details:\n- Domain: %s\n- Amount: %s\n- Your role: %s", v.domain(), v.amount(), s.role), nil)

	n.enterNode(s, tx, deriveCursor(tx.State, s.role))
	return n.view(s), nil
}

// Get returns the current snapshot of an open session.
func (n *NegotiationService) Get(transactionID, userID string) (SessionView, error) {
	s, err := n.lookup(transactionID, userID)
	if err != nil {
		return SessionView{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return n.view(s), nil
}

// Close discards the session: outstanding timers are cancelled and the
// engine subscription released. The transaction itself is untouched and the
// flow resumes on the next Open.
func (n *NegotiationService) Close(transactionID, userID string) {
	n.mu.Lock()
	s, ok := n.sessions[sessionKey(transactionID, userID)]
	if ok {
		delete(n.sessions, sessionKey(transactionID, userID))
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	unsub := s.unsubscribe
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	metrics.ActiveSessions.Dec()
}

// HandleAction applies one of the offered actions. An action that is not
// valid for the current node is ignored and the same set stays offered.
func (n *NegotiationService) HandleAction(transactionID, userID, actionType string) (SessionView, error) {
	s, err := n.lookup(transactionID, userID)
	if err != nil {
		return SessionView{}, err
	}
	tx, err := n.engine.Get(transactionID)
	if err != nil {
		return SessionView{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionView{}, ErrNoSession
	}
	if !n.actionAllowed(s, actionType) {
		n.log.Debug("ignoring action", "transaction", transactionID, "cursor", s.cursor, "action", actionType)
		return n.view(s), nil
	}
	n.dispatchAction(s, tx, actionType)
	return n.view(s), nil
}

// HandleInput applies free-text input. Outside an input node the text is
// echoed with a generic hint, matching the bot's fallback behavior.
func (n *NegotiationService) HandleInput(transactionID, userID, text string) (SessionView, error) {
	s, err := n.lookup(transactionID, userID)
	if err != nil {
		return SessionView{}, err
	}
	tx, err := n.engine.Get(transactionID)
	if err != nil {
		return SessionView{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionView{}, ErrNoSession
	}

	switch s.input {
	case inputAuthCode:
		n.handleAuthCode(s, tx, text)
	case inputRegistryUsername:
		n.handleRegistryUsername(s, tx, text)
	default:
		n.appendUser(s, text)
		n.postBot(s, fmt.Sprintf("I understand you said: %q.\n\nI'm here to help with this domain transaction — please use the action buttons for the next step.", text), nil)
	}
	return n.view(s), nil
}

func (n *NegotiationService) lookup(transactionID, userID string) (*session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[sessionKey(transactionID, userID)]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

func (n *NegotiationService) nodeView(tx models.Transaction) nodeView {
	return nodeView{tx: tx, reg: registry.Lookup(tx.Extension)}
}

// view renders a snapshot. mu held.
func (n *NegotiationService) view(s *session) SessionView {
	return SessionView{
		TransactionID:  s.transactionID,
		Role:           s.role,
		Cursor:         string(s.cursor),
		Messages:       append([]models.Message(nil), s.messages...),
		PendingActions: append([]models.Action(nil), s.pending...),
		ExpectedInput:  s.input,
	}
}

// enterNode moves the cursor and emits the node's message after the typing
// delay. mu held.
func (n *NegotiationService) enterNode(s *session, tx models.Transaction, id nodeID) {
	node, ok := scriptNodes[id]
	if !ok {
		n.log.Error("unknown script node", "node", id)
		return
	}
	s.cursor = id
	s.input = node.input
	s.pending = nil

	v := n.nodeView(tx)
	n.schedule(s, n.delays.Typing, func() {
		n.addBotMessage(s, node.message(v), node.actions)
	})
	n.autoFollowUp(s, tx, id)
}

// autoFollowUp schedules the timed continuation of nodes that progress
// without human input. mu held.
func (n *NegotiationService) autoFollowUp(s *session, tx models.Transaction, id nodeID) {
	switch id {
	case nodeSellerCheckingPayment:
		n.schedule(s, n.delays.Typing+n.delays.PaymentCheck, func() {
			// The session may have moved on while the check was pending,
			// e.g. payment confirmed through another tab. The cursor stays
			// a projection of the engine state; don't drag it back.
			if s.cursor != nodeSellerCheckingPayment {
				return
			}
			seller, err := n.users.GetByID(tx.Seller.ID)
			if err != nil {
				n.log.Warn("payment method lookup", "user", tx.Seller.ID, "err", err)
			}
			if err == nil && seller.HasPaymentMethod() {
				n.enterNode(s, tx, nodeSellerPaymentReady)
			} else {
				n.enterNode(s, tx, nodeSellerNoPayment)
			}
		})
	case nodeSellerTransferring:
		// Keeps a reopened session moving through a transfer the previous
		// session started.
		n.schedule(s, n.delays.TransferProgress, func() {
			if s.cursor != nodeSellerTransferring {
				return
			}
			cur, err := n.engine.Get(s.transactionID)
			if err != nil {
				return
			}
			if cur.State == models.StateTransferInitiated {
				if _, err := n.engine.Advance(s.transactionID, models.StateTransferInProgress, "Registrar transfer in progress"); err != nil {
					n.resync(s)
					return
				}
			}
			n.schedule(s, n.delays.TransferComplete, func() {
				if s.cursor != nodeSellerTransferring {
					return
				}
				if _, err := n.engine.Advance(s.transactionID, models.StateTransferCompleted, "Registrar transfer completed"); err != nil {
					n.resync(s)
					return
				}
				cur, err := n.engine.Get(s.transactionID)
				if err != nil {
					return
				}
				n.enterNode(s, cur, nodeSellerAwaitRelease)
			})
		})
	}
}

// dispatchAction is the single switch implementing every (node, action)
// transition of the decision tree. mu held.
func (n *NegotiationService) dispatchAction(s *session, tx models.Transaction, actionType string) {
	switch {
	// ---------- buyer ----------
	case s.cursor == nodeBuyerAwaitPayment && actionType == actionConfirmPayment:
		n.appendUser(s, "I have transferred the payment to the escrow account.")
		n.enterNode(s, tx, nodeBuyerVerifyingPayment)
		n.schedule(s, n.delays.Typing+n.delays.PaymentVerify, func() {
			n.confirmPayment(s)
		})

	case s.cursor == nodeBuyerAwaitPayment && actionType == actionPaymentHelp:
		n.appendUser(s, "I need help with the payment process.")
		n.postBot(s, paymentHelpText(n.nodeView(tx)), scriptNodes[nodeBuyerAwaitPayment].actions)

	case s.cursor == nodeBuyerRegistryUsername && actionType == actionProvideUsername:
		n.appendUser(s, "I'll provide my registry username.")
		n.enterNode(s, tx, nodeBuyerEnterUsername)

	case s.cursor == nodeBuyerRegistryUsername && actionType == actionPreferTransfer:
		n.appendUser(s, "I prefer a registrar transfer instead.")
		n.postBot(s, "A registrar transfer takes 5-7 business days and additional transfer fees may apply. A push lands in your account within minutes.\n\nIf speed matters, provide your registry username and we'll push the domain instead.",
			scriptNodes[nodeBuyerRegistryUsername].actions)

	// ---------- seller ----------
	case s.cursor == nodeSellerNoPayment && actionType == actionSetupPayment:
		n.appendUser(s, "I'll set up my payout method now.")
		n.postBot(s, "Go to Settings -> Payment Methods and add a bank account, PayPal account or cryptocurrency wallet. Confirm below once done.",
			[]models.Action{{Type: actionPaymentReady, Label: "Payout method set up"}})

	case s.cursor == nodeSellerNoPayment && actionType == actionPaymentReady:
		n.appendUser(s, "I have set up my payout method.")
		seller, err := n.users.GetByID(tx.Seller.ID)
		if err == nil && seller.HasPaymentMethod() {
			n.enterNode(s, tx, nodeSellerPaymentReady)
		} else {
			n.postBot(s, "I still can't find a payout method on your account. Add one under Settings -> Payment Methods, then confirm again.",
				scriptNodes[nodeSellerNoPayment].actions)
		}

	case s.cursor == nodeSellerChoose && actionType == actionPushDomain:
		n.appendUser(s, "I'll push the domain to the marketplace account.")
		n.enterNode(s, tx, nodeSellerPushInstr)

	case s.cursor == nodeSellerChoose && actionType == actionTransferDomain:
		n.appendUser(s, "I'll transfer the domain to DNGun's preferred registrar.")
		n.enterNode(s, tx, nodeSellerTransferInstr)

	case s.cursor == nodeSellerPushInstr && actionType == actionConfirmPushComplete:
		n.appendUser(s, "Domain push has been completed.")
		if _, err := n.engine.Advance(s.transactionID, models.StateTransferInitiated, "Domain push reported by seller"); err != nil {
			n.resync(s)
			return
		}
		n.enterNode(s, tx, nodeSellerVerifyingPush)
		n.schedule(s, n.delays.Typing+n.delays.PushVerify, func() {
			n.verifyPush(s)
		})

	case s.cursor == nodeSellerPushInstr && actionType == actionPushHelp:
		n.appendUser(s, "I need help with the push process.")
		n.postBot(s, pushHelpText(n.nodeView(tx)), scriptNodes[nodeSellerPushInstr].actions)

	case s.cursor == nodeSellerPushInstr && actionType == actionPreferTransfer:
		n.appendUser(s, "I'd rather do a registrar transfer.")
		n.enterNode(s, tx, nodeSellerTransferInstr)

	case s.cursor == nodeSellerTransferInstr && actionType == actionProvideAuthCode:
		n.appendUser(s, "I'm ready to provide the authorization code.")
		n.enterNode(s, tx, nodeSellerAwaitAuthCode)

	case s.cursor == nodeSellerTransferInstr && actionType == actionUnlockHelp:
		n.appendUser(s, "How do I unlock the domain?")
		n.postBot(s, unlockHelpText(n.nodeView(tx)), scriptNodes[nodeSellerTransferInstr].actions)

	case s.cursor == nodeSellerTransferInstr && actionType == actionChangeToPush:
		n.appendUser(s, "Let's switch to a push instead.")
		n.enterNode(s, tx, nodeSellerPushInstr)

	// ---------- shared ----------
	case s.cursor == nodeSummary && actionType == actionCloseChat:
		// Closing needs the service lock; hand off so we don't re-enter s.mu.
		n.clk.AfterFunc(0, func() { n.Close(s.transactionID, s.userID) })

	default:
		n.log.Debug("action without transition", "cursor", s.cursor, "action", actionType)
	}
}

// confirmPayment drives the engine through payment confirmation after the
// buyer's simulated verification wait. mu held via schedule.
func (n *NegotiationService) confirmPayment(s *session) {
	cur, err := n.engine.Get(s.transactionID)
	if err != nil {
		n.resync(s)
		return
	}
	if cur.State == models.StateInitiated {
		// Auto-advance disabled or not yet fired; drive the step ourselves.
		if _, err := n.engine.Advance(s.transactionID, models.StatePaymentPending, "Waiting for payment confirmation"); err != nil && !IsInvalidTransition(err) {
			n.resync(s)
			return
		}
	}
	if _, err := n.engine.Advance(s.transactionID, models.StatePaymentConfirmed, "Payment verified and held in escrow"); err != nil {
		n.resync(s)
		return
	}
	cur, err = n.engine.Get(s.transactionID)
	if err != nil {
		return
	}
	n.enterNode(s, cur, nodeBuyerWaitSeller)
}

// verifyPush walks the engine through the two timed verification steps of
// the push branch. mu held via schedule.
func (n *NegotiationService) verifyPush(s *session) {
	if _, err := n.engine.Advance(s.transactionID, models.StateTransferInProgress, "Verifying domain ownership"); err != nil {
		n.resync(s)
		return
	}
	n.schedule(s, n.delays.PushVerify, func() {
		if _, err := n.engine.Advance(s.transactionID, models.StateTransferCompleted, "Domain push verified"); err != nil {
			n.resync(s)
			return
		}
		cur, err := n.engine.Get(s.transactionID)
		if err != nil {
			return
		}
		n.enterNode(s, cur, nodeSellerAwaitRelease)
	})
}

// handleAuthCode validates and applies the seller's EPP code. Structural
// validation only; the engine is untouched when the code is malformed.
// mu held.
func (n *NegotiationService) handleAuthCode(s *session, tx models.Transaction, code string) {
	code = strings.TrimSpace(code)
	if e := validate.Required("auth_code", code); e != nil {
		n.postBot(s, "The authorization code can't be empty. Please enter the EPP code from your registrar.", nil)
		return
	}
	if e := validate.Pattern("auth_code", code, validate.AuthCodePattern); e != nil {
		n.postBot(s, "That code doesn't look right — it should be 8-16 letters, digits or dashes. Please check it and try again.", nil)
		return
	}

	n.appendUser(s, "Authorization code: "+code)
	s.input = ""
	if _, err := n.engine.Advance(s.transactionID, models.StateTransferInitiated, "Transfer initiated with auth code"); err != nil {
		n.resync(s)
		return
	}
	cur, err := n.engine.Get(s.transactionID)
	if err != nil {
		return
	}
	n.enterNode(s, cur, nodeSellerTransferring)
}

// handleRegistryUsername applies the buyer's final hand-off input. mu held.
func (n *NegotiationService) handleRegistryUsername(s *session, tx models.Transaction, username string) {
	username = strings.TrimSpace(username)
	if e := validate.Required("registry_username", username); e != nil {
		reg := registry.Lookup(tx.Extension)
		n.postBot(s, fmt.Sprintf("The username can't be empty. Please enter your %s account username.", reg.Name), nil)
		return
	}

	n.appendUser(s, "My registry username: "+username)
	s.input = ""
	n.enterNode(s, tx, nodeBuyerPushing)
	n.schedule(s, n.delays.Typing+n.delays.FinalPush, func() {
		if _, err := n.engine.Advance(s.transactionID, models.StateCompleted, "Domain pushed to buyer account "+username); err != nil {
			n.resync(s)
			return
		}
		cur, err := n.engine.Get(s.transactionID)
		if err != nil {
			return
		}
		n.enterNode(s, cur, nodeSummary)
	})
}

// onUpdate reacts to engine transitions driven elsewhere (the counterparty's
// session, another tab, the status endpoint). Scheduled from the subscriber,
// so it runs outside the engine's notify path.
func (n *NegotiationService) onUpdate(s *session, u StateUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	tx, err := n.engine.Get(s.transactionID)
	if err != nil {
		return
	}

	switch {
	case u.State == models.StateFailed && s.cursor != nodeFailed:
		n.enterNode(s, tx, nodeFailed)

	case u.State == models.StateCompleted && s.cursor != nodeSummary:
		n.enterNode(s, tx, nodeSummary)

	case s.role == models.RoleSeller && u.State == models.StatePaymentConfirmed &&
		(s.cursor == nodeSellerCheckingPayment || s.cursor == nodeSellerPaymentReady || s.cursor == nodeSellerNoPayment):
		n.enterNode(s, tx, nodeSellerChoose)

	case s.role == models.RoleBuyer && u.State == models.StateTransferCompleted && s.cursor == nodeBuyerWaitSeller:
		n.enterNode(s, tx, nodeBuyerRegistryUsername)
	}
}

// resync is the degraded path after a rejected Advance: another session got
// there first, so re-read the canonical state and re-derive the cursor
// instead of trusting our own. mu held.
func (n *NegotiationService) resync(s *session) {
	tx, err := n.engine.Get(s.transactionID)
	if err != nil {
		n.postBot(s, "Something went wrong with this transaction. Please retry or contact support@dngun.com.", nil)
		return
	}
	n.postBot(s, "This transaction moved forward elsewhere — syncing the latest status.", nil)
	n.enterNode(s, tx, deriveCursor(tx.State, s.role))
}

// schedule registers a cancellable timer whose callback runs under s.mu and
// is dropped once the session closes. mu held.
func (n *NegotiationService) schedule(s *session, d time.Duration, fn func()) {
	t := n.clk.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		fn()
	})
	s.timers = append(s.timers, t)
}

// postBot emits a bot message after the typing delay. Non-nil actions
// replace the pending set when the message lands. mu held.
func (n *NegotiationService) postBot(s *session, text string, actions []models.Action) {
	n.schedule(s, n.delays.Typing, func() {
		n.addBotMessage(s, text, actions)
	})
}

// appendBot emits a bot message immediately. mu held.
func (n *NegotiationService) appendBot(s *session, text string, actions []models.Action) {
	n.addBotMessage(s, text, actions)
}

// addBotMessage appends the message and updates the pending set. mu held.
func (n *NegotiationService) addBotMessage(s *session, text string, actions []models.Action) {
	s.messages = append(s.messages, models.Message{
		ID:        uuid.NewString(),
		Author:    models.AuthorBot,
		Text:      text,
		Actions:   actions,
		Timestamp: n.clk.Now().UTC(),
	})
	if actions != nil {
		s.pending = actions
	}
	metrics.BotMessagesTotal.Inc()
}

func (n *NegotiationService) appendUser(s *session, text string) {
	s.messages = append(s.messages, models.Message{
		ID:        uuid.NewString(),
		Author:    models.AuthorUser,
		Text:      text,
		Timestamp: n.clk.Now().UTC(),
	})
	s.pending = nil
}

// actionAllowed checks the action against what is currently offered: the
// pending set when a message has landed, otherwise the node's own actions
// (the client may click before the typing timer fires). mu held.
func (n *NegotiationService) actionAllowed(s *session, actionType string) bool {
	for _, a := range s.pending {
		if a.Type == actionType {
			return true
		}
	}
	if node, ok := scriptNodes[s.cursor]; ok {
		for _, a := range node.actions {
			if a.Type == actionType {
				return true
			}
		}
	}
	return false
}

func paymentHelpText(v nodeView) string {
	return fmt.Sprintf(`Payment help.

Bank transfer:
1. Log into your online banking.
2. Add payee: DNGun Escrow Services.
3. Use the account details provided above.
4. Add the reference TXN-%s — it is required for automatic verification.
5. Transfer the exact amount: %s.

Wire transfer: request the transfer at your bank branch with the same details and reference.`, v.tx.ID, v.amount())
}

func pushHelpText(v nodeView) string {
	return fmt.Sprintf(`Push help for %s:

1. Make sure you are logged into the %s account that holds the domain.
2. Navigate to %s.
3. Enter the receiving account: %s.
4. Confirm — the push normally completes within minutes.

If the option is missing, the registrar's support can trigger the push for you.`, v.reg.Name, v.reg.Name, v.reg.PushMenuPath, v.reg.MarketplaceUsername)
}

func unlockHelpText(v nodeView) string {
	return fmt.Sprintf(`To unlock %q at %s:

1. Log into your registrar account.
2. Open the domain's security settings.
3. Disable the transfer lock (sometimes labelled "registrar lock").
4. The unlock can take up to an hour to propagate.

Then request the EPP/authorization code from the same page.`, v.domain(), v.reg.Name)
}
