package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sheikh-saqib/finance-ledger/internal/events"
	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
	"github.com/sheikh-saqib/finance-ledger/internal/models"
	domainevents "github.com/sheikh-saqib/finance-ledger/internal/models/events"
	"github.com/shopspring/decimal"
)

// MovementRequest creates an income or an expense. Amount is in minor units.
// Fields tagged "-" are not part of the request hash.
type MovementRequest struct {
	OwnerID        string                 `json:"-"`
	AccountID      string                 `json:"account_id"`
	Type           models.TransactionType `json:"type"`
	Amount         decimal.Decimal        `json:"amount"`
	CategoryID     *string                `json:"category_id,omitempty"`
	Description    string                 `json:"description"`
	Tags           []string               `json:"tags,omitempty"`
	IdempotencyKey string                 `json:"-"`
}

func (r MovementRequest) validate() error {
	if err := requireOwner(r.OwnerID); err != nil {
		return err
	}
	if r.AccountID == "" {
		return validationf("account id is required")
	}
	if !r.Type.Valid() {
		return validationf("unknown transaction type %q", r.Type)
	}
	if r.Type == models.TypeTransfer {
		return validationf("transfers must be created with both accounts")
	}
	return validAmount(r.Amount)
}

// TransferRequest moves Amount minor units from one account to another.
type TransferRequest struct {
	OwnerID        string          `json:"-"`
	FromAccountID  string          `json:"from_account_id"`
	ToAccountID    string          `json:"to_account_id"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description,omitempty"`
	IdempotencyKey string          `json:"-"`
}

func (r TransferRequest) validate() error {
	if err := requireOwner(r.OwnerID); err != nil {
		return err
	}
	if r.FromAccountID == "" || r.ToAccountID == "" {
		return validationf("both accounts are required")
	}
	if r.FromAccountID == r.ToAccountID {
		return validationf("cannot transfer to the same account")
	}
	return validAmount(r.Amount)
}

// Transfer is the pair of rows a transfer is stored as.
type Transfer struct {
	Out models.Transaction `json:"out"`
	In  models.Transaction `json:"in"`
}

// MovementPatch lists the fields to change. Nil fields stay as they are. An
// empty CategoryID clears the category.
type MovementPatch struct {
	AccountID   *string          `json:"account_id,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	CategoryID  *string          `json:"category_id,omitempty"`
	Description *string          `json:"description,omitempty"`
	Tags        *[]string        `json:"tags,omitempty"`
}

func (p MovementPatch) empty() bool {
	return p.AccountID == nil && p.Amount == nil && p.CategoryID == nil && p.Description == nil && p.Tags == nil
}

// apply returns t with the patch applied. Transfer legs only take amount and description.
func (p MovementPatch) apply(t models.Transaction, at time.Time) models.Transaction {
	if p.Amount != nil {
		t.Amount = *p.Amount
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if t.Type != models.TypeTransfer {
		if p.AccountID != nil {
			t.AccountID = *p.AccountID
		}
		if p.CategoryID != nil {
			if *p.CategoryID == "" {
				t.CategoryID = nil
			} else {
				id := *p.CategoryID
				t.CategoryID = &id
			}
		}
		if p.Tags != nil {
			t.Tags = append([]string(nil), (*p.Tags)...)
		}
	}
	t.UpdatedAt = at
	return t
}

type UpdateRequest struct {
	OwnerID        string        `json:"-"`
	TransactionID  string        `json:"transaction_id"`
	Patch          MovementPatch `json:"patch"`
	IdempotencyKey string        `json:"-"`
}

func (r UpdateRequest) validate() error {
	if err := requireOwner(r.OwnerID); err != nil {
		return err
	}
	if r.TransactionID == "" {
		return validationf("transaction id is required")
	}
	if r.Patch.empty() {
		return validationf("nothing to update")
	}
	if r.Patch.Amount != nil {
		if err := validAmount(*r.Patch.Amount); err != nil {
			return err
		}
	}
	if r.Patch.AccountID != nil && strings.TrimSpace(*r.Patch.AccountID) == "" {
		return validationf("account id cannot be empty")
	}
	return nil
}

// DeleteRequest reverses a transaction. A soft delete keeps the row with a
// tombstone; a hard delete removes it. Ledger history is kept either way.
type DeleteRequest struct {
	OwnerID        string `json:"-"`
	TransactionID  string `json:"transaction_id"`
	Hard           bool   `json:"hard"`
	IdempotencyKey string `json:"-"`
}

// CreateMovement records an income or an expense. Expenses fail with
// ErrInsufficientFunds if they would overdraw the account.
func (l *Ledger) CreateMovement(ctx context.Context, req MovementRequest) (models.Transaction, error) {
	if err := req.validate(); err != nil {
		return models.Transaction{}, err
	}
	return guarded(ctx, l, req.OwnerID, req.IdempotencyKey, OpCreateMovement, http.StatusCreated, req,
		func(ctx context.Context) (models.Transaction, error) {
			return l.createMovement(ctx, req)
		})
}

func (l *Ledger) createMovement(ctx context.Context, req MovementRequest) (models.Transaction, error) {
	var created models.Transaction
	err := l.write(ctx, OpCreateMovement, func(ctx context.Context, tx interfaces.Tx, u *unit) error {
		if _, err := activeAccount(ctx, tx, req.OwnerID, req.AccountID); err != nil {
			return err
		}
		if err := existingCategory(ctx, tx, req.OwnerID, req.CategoryID); err != nil {
			return err
		}

		locked, err := LockAccounts(ctx, tx, req.OwnerID, req.AccountID)
		if err != nil {
			return err
		}
		u.advance(StateLocked)

		now := l.now()
		t := models.Transaction{
			ID:          uuid.NewString(),
			OwnerID:     req.OwnerID,
			AccountID:   req.AccountID,
			Type:        req.Type,
			Amount:      req.Amount,
			CategoryID:  req.CategoryID,
			Description: req.Description,
			Tags:        req.Tags,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		journal := NewJournal(tx, l.now)
		if err := ensureSufficient(ctx, journal, t.AccountID, t.SignedAmount()); err != nil {
			return err
		}
		u.advance(StateValidated)

		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		ref := t.ID
		if _, err := journal.Append(ctx, t.OwnerID, t.AccountID, t.SignedAmount(), &ref); err != nil {
			return err
		}
		u.advance(StatePersisted)

		if err := materializeAll(ctx, tx, locked); err != nil {
			return err
		}
		u.advance(StateMaterialized)

		created = t
		return nil
	})
	if err != nil {
		return models.Transaction{}, err
	}

	l.publishCommitted(ctx, "create", created)
	return created, nil
}

// CreateTransfer moves money between two accounts of the same owner. Both
// legs are written in one unit and their ledger entries sum to zero.
func (l *Ledger) CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	if err := req.validate(); err != nil {
		return Transfer{}, err
	}
	return guarded(ctx, l, req.OwnerID, req.IdempotencyKey, OpCreateTransfer, http.StatusCreated, req,
		func(ctx context.Context) (Transfer, error) {
			return l.createTransfer(ctx, req)
		})
}

func (l *Ledger) createTransfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	var created Transfer
	err := l.write(ctx, OpCreateTransfer, func(ctx context.Context, tx interfaces.Tx, u *unit) error {
		if _, err := activeAccount(ctx, tx, req.OwnerID, req.FromAccountID); err != nil {
			return err
		}
		if _, err := activeAccount(ctx, tx, req.OwnerID, req.ToAccountID); err != nil {
			return err
		}

		locked, err := LockAccounts(ctx, tx, req.OwnerID, req.FromAccountID, req.ToAccountID)
		if err != nil {
			return err
		}
		u.advance(StateLocked)

		journal := NewJournal(tx, l.now)
		if err := ensureSufficient(ctx, journal, req.FromAccountID, req.Amount.Neg()); err != nil {
			return err
		}
		u.advance(StateValidated)

		description := req.Description
		if description == "" {
			description = "Transfer"
		}
		now := l.now()
		outID, inID := uuid.NewString(), uuid.NewString()
		out := models.Transaction{
			ID:                  outID,
			OwnerID:             req.OwnerID,
			AccountID:           req.FromAccountID,
			Type:                models.TypeTransfer,
			Direction:           models.DirectionOut,
			Amount:              req.Amount,
			Description:         description,
			PairedTransactionID: &inID,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		in := out
		in.ID = inID
		in.AccountID = req.ToAccountID
		in.Direction = models.DirectionIn
		in.PairedTransactionID = &outID

		for _, leg := range []models.Transaction{out, in} {
			if err := tx.InsertTransaction(ctx, leg); err != nil {
				return err
			}
		}
		for _, leg := range []models.Transaction{out, in} {
			ref := leg.ID
			if _, err := journal.Append(ctx, leg.OwnerID, leg.AccountID, leg.SignedAmount(), &ref); err != nil {
				return err
			}
		}
		u.advance(StatePersisted)

		if err := materializeAll(ctx, tx, locked); err != nil {
			return err
		}
		u.advance(StateMaterialized)

		created = Transfer{Out: out, In: in}
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}

	l.publishCommitted(ctx, "create", created.Out)
	l.publishCommitted(ctx, "create", created.In)
	return created, nil
}

// UpdateMovement reverses the current ledger effect of a transaction and
// applies the patched one in the same unit. Patching a transfer leg updates
// both legs.
func (l *Ledger) UpdateMovement(ctx context.Context, req UpdateRequest) (models.Transaction, error) {
	if err := req.validate(); err != nil {
		return models.Transaction{}, err
	}
	return guarded(ctx, l, req.OwnerID, req.IdempotencyKey, OpUpdateMovement, http.StatusOK, req,
		func(ctx context.Context) (models.Transaction, error) {
			return l.updateMovement(ctx, req)
		})
}

func (l *Ledger) updateMovement(ctx context.Context, req UpdateRequest) (models.Transaction, error) {
	var updated []models.Transaction
	err := l.write(ctx, OpUpdateMovement, func(ctx context.Context, tx interfaces.Tx, u *unit) error {
		legs, err := legsOf(ctx, tx, req.OwnerID, req.TransactionID, false)
		if err != nil {
			return err
		}
		patch := req.Patch
		if legs[0].Type == models.TypeTransfer && (patch.AccountID != nil || patch.CategoryID != nil || patch.Tags != nil) {
			return validationf("a transfer only accepts amount and description changes")
		}
		if patch.AccountID != nil {
			if _, err := activeAccount(ctx, tx, req.OwnerID, *patch.AccountID); err != nil {
				return err
			}
		}
		if patch.CategoryID != nil && *patch.CategoryID != "" {
			if err := existingCategory(ctx, tx, req.OwnerID, patch.CategoryID); err != nil {
				return err
			}
		}

		ids := accountsOf(legs)
		if patch.AccountID != nil {
			ids = append(ids, *patch.AccountID)
		}
		locked, err := LockAccounts(ctx, tx, req.OwnerID, ids...)
		if err != nil {
			return err
		}
		u.advance(StateLocked)

		current, err := relockedLegs(ctx, tx, req.OwnerID, legs, false)
		if err != nil {
			return err
		}

		journal := NewJournal(tx, l.now)
		delta, err := outstanding(ctx, journal, locked, current)
		if err != nil {
			return err
		}
		for account, amount := range delta {
			delta[account] = amount.Neg()
		}

		now := l.now()
		updated = make([]models.Transaction, 0, len(current))
		for _, leg := range current {
			next := patch.apply(leg, now)
			updated = append(updated, next)
			delta[next.AccountID] = delta[next.AccountID].Add(next.SignedAmount())
		}
		for _, account := range sortedKeys(delta) {
			if err := ensureSufficient(ctx, journal, account, delta[account]); err != nil {
				return err
			}
		}
		u.advance(StateValidated)

		for _, leg := range current {
			if _, err := journal.Reverse(ctx, leg.OwnerID, leg.ID); err != nil {
				return err
			}
		}
		for _, next := range updated {
			ref := next.ID
			if _, err := journal.Append(ctx, next.OwnerID, next.AccountID, next.SignedAmount(), &ref); err != nil {
				return err
			}
			if err := tx.UpdateTransaction(ctx, next); err != nil {
				return err
			}
		}
		u.advance(StatePersisted)

		if err := materializeAll(ctx, tx, locked); err != nil {
			return err
		}
		u.advance(StateMaterialized)
		return nil
	})
	if err != nil {
		return models.Transaction{}, err
	}

	for _, leg := range updated {
		l.publishCommitted(ctx, "update", leg)
	}
	return updated[0], nil
}

// DeleteMovement appends reversal entries for everything the transaction and,
// for a transfer, its paired leg still contribute to the ledger. Reversals
// never fail on funds.
func (l *Ledger) DeleteMovement(ctx context.Context, req DeleteRequest) error {
	if err := requireOwner(req.OwnerID); err != nil {
		return err
	}
	if req.TransactionID == "" {
		return validationf("transaction id is required")
	}
	_, err := guarded(ctx, l, req.OwnerID, req.IdempotencyKey, OpDeleteMovement, http.StatusNoContent, req,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, l.deleteMovement(ctx, req)
		})
	return err
}

func (l *Ledger) deleteMovement(ctx context.Context, req DeleteRequest) error {
	var removed []models.Transaction
	err := l.write(ctx, OpDeleteMovement, func(ctx context.Context, tx interfaces.Tx, u *unit) error {
		legs, err := legsOf(ctx, tx, req.OwnerID, req.TransactionID, req.Hard)
		if err != nil {
			return err
		}

		locked, err := LockAccounts(ctx, tx, req.OwnerID, accountsOf(legs)...)
		if err != nil {
			return err
		}
		u.advance(StateLocked)

		current, err := relockedLegs(ctx, tx, req.OwnerID, legs, req.Hard)
		if err != nil {
			return err
		}
		journal := NewJournal(tx, l.now)
		if _, err := outstanding(ctx, journal, locked, current); err != nil {
			return err
		}
		u.advance(StateValidated)

		now := l.now()
		for _, leg := range current {
			if _, err := journal.Reverse(ctx, leg.OwnerID, leg.ID); err != nil {
				return err
			}
		}
		for _, leg := range current {
			var err error
			switch {
			case req.Hard:
				err = tx.DeleteTransaction(ctx, leg.ID)
			case !leg.IsDeleted():
				err = tx.TombstoneTransaction(ctx, leg.ID, now)
			}
			if err != nil {
				return err
			}
		}
		u.advance(StatePersisted)

		if err := materializeAll(ctx, tx, locked); err != nil {
			return err
		}
		u.advance(StateMaterialized)

		removed = current
		return nil
	})
	if err != nil {
		return err
	}

	for _, leg := range removed {
		l.publish(ctx, events.TopicTransactionReversed, leg.AccountID, domainevents.TransactionReversed{
			TransactionID: leg.ID,
			OwnerID:       leg.OwnerID,
			Hard:          req.Hard,
			OccurredAt:    l.now(),
		})
	}
	return nil
}

// legsOf reads a transaction and, for a transfer, its paired leg. The
// requested row comes first. Soft-deleted rows are only returned when
// includeDeleted is set.
func legsOf(ctx context.Context, tx interfaces.Tx, ownerID, id string, includeDeleted bool) ([]models.Transaction, error) {
	read := func(id string) (models.Transaction, error) {
		if includeDeleted {
			t, err := tx.GetTransaction(ctx, ownerID, id)
			if errors.Is(err, interfaces.ErrRecordNotFound) {
				return models.Transaction{}, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
			}
			return t, err
		}
		return liveTransaction(ctx, tx, ownerID, id)
	}

	first, err := read(id)
	if err != nil {
		return nil, err
	}
	legs := []models.Transaction{first}
	if first.Type != models.TypeTransfer {
		return legs, nil
	}
	if first.PairedTransactionID == nil {
		return nil, fmt.Errorf("%w: transfer %s has no paired leg", ErrIntegrityViolation, first.ID)
	}
	paired, err := read(*first.PairedTransactionID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: paired leg of transfer %s is missing", ErrIntegrityViolation, first.ID)
	}
	if err != nil {
		return nil, err
	}
	return append(legs, paired), nil
}

// relockedLegs re-reads legs once their accounts are locked. A leg that moved
// to another account in the meantime means the lock set is wrong.
func relockedLegs(ctx context.Context, tx interfaces.Tx, ownerID string, legs []models.Transaction, includeDeleted bool) ([]models.Transaction, error) {
	current, err := legsOf(ctx, tx, ownerID, legs[0].ID, includeDeleted)
	if err != nil {
		return nil, err
	}
	if len(current) != len(legs) {
		return nil, fmt.Errorf("%w: transaction %s changed while waiting for locks", ErrConcurrencyConflict, legs[0].ID)
	}
	for i := range current {
		if current[i].ID != legs[i].ID || current[i].AccountID != legs[i].AccountID {
			return nil, fmt.Errorf("%w: transaction %s changed while waiting for locks", ErrConcurrencyConflict, legs[0].ID)
		}
	}
	return current, nil
}

// outstanding returns, per account, what the legs still contribute to the
// ledger. Every such account must be locked.
func outstanding(ctx context.Context, journal Journal, locked LockedAccounts, legs []models.Transaction) (map[string]decimal.Decimal, error) {
	total := make(map[string]decimal.Decimal)
	for _, leg := range legs {
		net, err := journal.NetByAccount(ctx, leg.ID)
		if err != nil {
			return nil, err
		}
		for account, amount := range net {
			if amount.IsZero() {
				continue
			}
			if _, ok := locked.Get(account); !ok {
				return nil, fmt.Errorf("%w: transaction %s has ledger entries on unlocked account %s", ErrIntegrityViolation, leg.ID, account)
			}
			total[account] = total[account].Add(amount)
		}
	}
	return total, nil
}

func accountsOf(legs []models.Transaction) []string {
	ids := make([]string, 0, len(legs))
	for _, leg := range legs {
		ids = append(ids, leg.AccountID)
	}
	return ids
}

func (l *Ledger) publishCommitted(ctx context.Context, operation string, t models.Transaction) {
	event := domainevents.TransactionCommitted{
		TransactionID: t.ID,
		OwnerID:       t.OwnerID,
		AccountID:     t.AccountID,
		Type:          string(t.Type),
		Amount:        t.SignedAmount(),
		Operation:     operation,
		OccurredAt:    t.UpdatedAt,
	}
	if t.PairedTransactionID != nil {
		event.PairedTransactionID = *t.PairedTransactionID
	}
	l.publish(ctx, events.TopicTransactionCommitted, t.AccountID, event)
}
