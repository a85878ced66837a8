package remote

import (
	"context"

	"example.com/heatsync/internal/wire"
)

// Local binds a Service to one account so a device can reconcile against it
// in-process.
type Local struct {
	svc       *Service
	accountID string
}

// NewLocal constructs a Local client for accountID.
func NewLocal(svc *Service, accountID string) *Local {
	return &Local{svc: svc, accountID: accountID}
}

// Push stores rec.
func (l *Local) Push(ctx context.Context, rec wire.Record) error {
	_, err := l.svc.Push(ctx, l.accountID, rec)
	return err
}

// Pull returns the next page after token.
func (l *Local) Pull(ctx context.Context, token string, limit int) (Page, error) {
	return l.svc.Pull(ctx, l.accountID, token, limit)
}
