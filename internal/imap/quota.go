package imap

import (
	"context"
)

// QuotaStatus answers GETQUOTAROOT / GETQUOTA. The only quota root is
// "": one storage quota per user.
type QuotaStatus struct {
	Root  string
	Used  int64 // bytes, clamped at zero by the gateway read
	Limit int64 // user quota, or the server fallback when unset
}

// QuotaRoots returns the quota roots that apply to a mailbox. Every
// mailbox shares the single "" root.
func (s *Session) QuotaRoots(mailbox string) ([]string, error) {
	if err := s.ensureAuthenticated(); err != nil {
		return nil, err
	}
	return []string{""}, nil
}

// Quota reports usage for one quota root.
func (s *Session) Quota(root string) (*QuotaStatus, error) {
	if err := s.ensureAuthenticated(); err != nil {
		return nil, err
	}
	ctx := context.Background()

	user, err := s.server.store.FindUserByID(ctx, s.user.ID)
	if err != nil {
		return nil, mapStorageErr(err)
	}

	limit := user.Quota
	if limit == 0 {
		limit = s.server.maxStorage
	}
	return &QuotaStatus{
		Root:  root,
		Used:  user.StorageUsed,
		Limit: limit,
	}, nil
}
