package mailbox

import (
	"context"

	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/pkg/metrics"
)

// BulkResult aggregates a bulk operation. Errors maps message ids to the
// reason they failed.
type BulkResult struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func (s *Service) bulk(ctx context.Context, op, owner string, ids []string, fn func(id string) error) BulkResult {
	res := BulkResult{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			s.fail(&res, op, owner, id, err)
			continue
		}
		if err := fn(id); err != nil {
			s.fail(&res, op, owner, id, err)
			continue
		}
		res.Succeeded++
	}
	return res
}

func (s *Service) fail(res *BulkResult, op, owner, id string, err error) {
	if res.Errors == nil {
		res.Errors = make(map[string]string)
	}
	res.Failed++
	res.Errors[id] = err.Error()
	metrics.BulkOperationFailures.WithLabelValues(op).Inc()
	logger.Warn("MAILBOX: bulk item failed", "operation", op, "owner", owner, "message_id", id, "error", err)
}

// BulkMove moves every message to toFolder, continuing past failures.
func (s *Service) BulkMove(ctx context.Context, owner string, ids []string, toFolder string) BulkResult {
	return s.bulk(ctx, "move", owner, ids, func(id string) error {
		_, err := s.MoveTo(ctx, owner, id, toFolder)
		return err
	})
}

// BulkDelete applies Delete to every message.
func (s *Service) BulkDelete(ctx context.Context, owner string, ids []string) BulkResult {
	return s.bulk(ctx, "delete", owner, ids, func(id string) error {
		return s.Delete(ctx, owner, id)
	})
}

// BulkRestore restores every message to its own original folder.
func (s *Service) BulkRestore(ctx context.Context, owner string, ids []string) BulkResult {
	return s.bulk(ctx, "restore", owner, ids, func(id string) error {
		_, err := s.Restore(ctx, owner, id)
		return err
	})
}
