// README: Wallet read surface for the API plus shared transfer helper.
package wallet

import (
	"context"

	"go.uber.org/zap"

	"okada/internal/types"
)

type Service struct {
	store Store
	log   *zap.Logger
}

func NewService(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log.Named("wallet")}
}

// Balance returns the caller's account, creating an empty one on first
// touch so new users never see a not-found.
func (s *Service) Balance(ctx context.Context, owner types.ID) (*Account, error) {
	return s.store.EnsureAccount(ctx, owner)
}

func (s *Service) Statement(ctx context.Context, owner types.ID, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.Entries(ctx, owner, limit)
}

// Transfer is the non-settlement movement path (referral rewards,
// platform funding). Settlement movements run inside the completion
// transaction instead.
func (s *Service) Transfer(ctx context.Context, cmd TransferCommand) (*EntryPair, error) {
	if _, err := s.store.EnsureAccount(ctx, cmd.To); err != nil {
		return nil, err
	}
	pair, err := s.store.Transfer(ctx, cmd)
	if err != nil {
		return nil, err
	}
	s.log.Info("wallet transfer",
		zap.String("from", cmd.From.String()),
		zap.String("to", cmd.To.String()),
		zap.Int64("amount", cmd.Amount.Amount),
		zap.String("kind", string(cmd.ToKind)),
	)
	return pair, nil
}
