package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/astroconnect/consult-service/internal/errs"
	"github.com/astroconnect/consult-service/internal/model"
)

// Service owns coin wallets and their append-only ledger. Every balance
// change writes a WalletLedgerEntry in the same transaction, so the balance
// column is always the fold of the subject's entries.
type Service struct {
	db    *gorm.DB
	genID *snowflake.Node
	log   *zap.Logger
}

// NewService creates a wallet service.
func NewService(db *gorm.DB, genID *snowflake.Node, log *zap.Logger) *Service {
	return &Service{db: db, genID: genID, log: log}
}

// Balance returns the participant's current coin balance. A missing wallet
// row reads as zero.
func (s *Service) Balance(ctx context.Context, participantID string) (int64, error) {
	var w model.Wallet
	err := s.db.WithContext(ctx).Where("participant_id = ?", participantID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// Topup credits coins to a user's wallet and records a Topup ledger entry.
// Payment verification happens upstream; this is the resulting coin credit.
func (s *Service) Topup(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errors.New("wallet: topup amount must be positive")
	}
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.credit(tx, userID, amount); err != nil {
			return err
		}
		entry := &model.WalletLedgerEntry{
			ID:        s.genID.Generate(),
			SubjectID: userID,
			Delta:     amount,
			Reason:    model.LedgerReasonTopup,
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		return tx.Model(&model.Wallet{}).
			Select("balance").
			Where("participant_id = ?", userID).
			Scan(&balance).Error
	})
	return balance, err
}

// ChargeMinute debits one whole minute's coins for a session, atomically and
// idempotently. The ledger insert keyed on (session_id, minute_index) is the
// idempotency guard: a retried tick hits the unique index and returns
// ErrDuplicateCharge without touching the balance. A debit that would drive
// the balance negative is rejected with ErrInsufficientFunds; the returned
// balance is then the untouched current balance.
func (s *Service) ChargeMinute(ctx context.Context, sessionID string, minuteIndex int64, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errors.New("wallet: charge amount must be positive")
	}
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := &model.WalletLedgerEntry{
			ID:          s.genID.Generate(),
			SubjectID:   userID,
			Delta:       -amount,
			Reason:      model.LedgerReasonMinuteCharge,
			SessionID:   &sessionID,
			MinuteIndex: &minuteIndex,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.ErrDuplicateCharge
		}

		// Compare-balance-and-debit in one statement: the WHERE guard is what
		// keeps the balance from ever going negative under concurrent charges.
		debit := tx.Model(&model.Wallet{}).
			Where("participant_id = ? AND balance >= ?", userID, amount).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", amount),
				"updated_at": time.Now(),
			})
		if debit.Error != nil {
			return debit.Error
		}
		if debit.RowsAffected == 0 {
			return errs.ErrInsufficientFunds
		}
		return tx.Model(&model.Wallet{}).
			Select("balance").
			Where("participant_id = ?", userID).
			Scan(&balance).Error
	})
	if errors.Is(err, errs.ErrInsufficientFunds) {
		cur, berr := s.Balance(ctx, userID)
		if berr == nil {
			balance = cur
		}
	}
	return balance, err
}

// CreditSettlement credits an astrologer's session earnings and records a
// Settlement ledger entry. Called exactly once per session by the lifecycle
// coordinator's compare-and-set end transition.
func (s *Service) CreditSettlement(ctx context.Context, sessionID, astrologerID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.credit(tx, astrologerID, amount); err != nil {
			return err
		}
		entry := &model.WalletLedgerEntry{
			ID:        s.genID.Generate(),
			SubjectID: astrologerID,
			Delta:     amount,
			Reason:    model.LedgerReasonSettlement,
			SessionID: &sessionID,
		}
		return tx.Create(entry).Error
	})
}

// Earnings returns the astrologer's settled totals: coins and session count.
func (s *Service) Earnings(ctx context.Context, astrologerID string) (int64, int64, error) {
	var row struct {
		Total    int64
		Sessions int64
	}
	err := s.db.WithContext(ctx).Model(&model.WalletLedgerEntry{}).
		Select("COALESCE(SUM(delta), 0) AS total, COUNT(*) AS sessions").
		Where("subject_id = ? AND reason = ?", astrologerID, model.LedgerReasonSettlement).
		Scan(&row).Error
	return row.Total, row.Sessions, err
}

// Settlements returns the astrologer's settlement history, newest first.
func (s *Service) Settlements(ctx context.Context, astrologerID string) ([]model.SettlementRecord, error) {
	var entries []model.WalletLedgerEntry
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND reason = ?", astrologerID, model.LedgerReasonSettlement).
		Order("created_at DESC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.SettlementRecord, 0, len(entries))
	for _, e := range entries {
		rec := model.SettlementRecord{Coins: e.Delta, CreatedAt: e.CreatedAt}
		if e.SessionID != nil {
			rec.SessionID = *e.SessionID
		}
		out = append(out, rec)
	}
	return out, nil
}

// credit upserts the wallet row, adding amount to the balance.
func (s *Service) credit(tx *gorm.DB, participantID string, amount int64) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "participant_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"balance":    gorm.Expr("wallets.balance + ?", amount),
			"updated_at": time.Now(),
		}),
	}).Create(&model.Wallet{
		ParticipantID: participantID,
		Balance:       amount,
		UpdatedAt:     time.Now(),
	}).Error
}
