package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/carehub/pkg/principals"
)

// Purgeable is a compliance store that can drop records older than a cutoff
type Purgeable interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (entries, transitions int64, err error)
}

// PurgeResult reports the outcome of one purge run
type PurgeResult struct {
	Cutoff             time.Time `json:"cutoff"`
	EntriesDeleted     int64     `json:"entries_deleted"`
	TransitionsDeleted int64     `json:"transitions_deleted"`
}

// Purger enforces the retention policy. Every run, including one that deletes
// nothing, leaves its own compliance entry.
type Purger struct {
	store    Purgeable
	recorder *Recorder
	policy   RetentionPolicy
	log      logrus.FieldLogger
}

// NewPurger creates a Purger
func NewPurger(store Purgeable, recorder *Recorder, policy RetentionPolicy, log logrus.FieldLogger) *Purger {
	if policy.Retention <= 0 {
		policy = DefaultRetentionPolicy()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Purger{store: store, recorder: recorder, policy: policy, log: log}
}

// Purge deletes records created before now minus the retention period
func (p *Purger) Purge(ctx context.Context, now time.Time) (*PurgeResult, error) {
	result := &PurgeResult{Cutoff: p.policy.Cutoff(now)}
	metadata := map[string]interface{}{
		"cutoff": result.Cutoff.Format(time.RFC3339),
	}

	err := p.recorder.Mutate(ctx, principals.Caller{LegalBasis: "retention_policy"}, Mutation{
		Operation: OperationPurge,
		Category:  CategoryRetention,
		Metadata:  metadata,
	}, func(ctx context.Context) error {
		entries, transitions, err := p.store.DeleteBefore(ctx, result.Cutoff)
		if err != nil {
			return err
		}
		result.EntriesDeleted = entries
		result.TransitionsDeleted = transitions
		metadata["entries_deleted"] = entries
		metadata["transitions_deleted"] = transitions
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to purge compliance records: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"cutoff":              result.Cutoff,
		"entries_deleted":     result.EntriesDeleted,
		"transitions_deleted": result.TransitionsDeleted,
	}).Info("compliance retention purge completed")

	return result, nil
}
