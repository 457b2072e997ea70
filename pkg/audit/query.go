// Package audit provides querying over the committed audit trail and
// export of signed evidence bundles. Audit events are the durable
// compliance record; operators export a bundle before reclaiming events
// so the evidence survives the storage release.
package audit

import (
	"context"
	"time"

	"github.com/spendguard/spendguard/pkg/address"
	"github.com/spendguard/spendguard/pkg/records"
)

// EventSource is the read surface the querier needs. *vault.Service
// satisfies it.
type EventSource interface {
	ListAuditEvents(ctx context.Context, policyAddr address.Address, sinceSeq uint64, limit int) ([]records.AuditEvent, error)
}

// QueryFilter defines filtering criteria for audit queries. Zero fields
// match everything.
type QueryFilter struct {
	StartSeq   uint64
	EndSeq     uint64
	StartTime  *time.Time
	EndTime    *time.Time
	Allowed    *bool
	Reason     records.ReasonCode
	Recipient  *address.Identity
	MaxResults int
}

func (f QueryFilter) matches(ev records.AuditEvent) bool {
	if f.StartSeq > 0 && ev.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && ev.Sequence > f.EndSeq {
		return false
	}
	if f.StartTime != nil && ev.TS < f.StartTime.Unix() {
		return false
	}
	if f.EndTime != nil && ev.TS > f.EndTime.Unix() {
		return false
	}
	if f.Allowed != nil && ev.Allowed != *f.Allowed {
		return false
	}
	if f.Reason != 0 && ev.ReasonCode != f.Reason {
		return false
	}
	if f.Recipient != nil && ev.Recipient != *f.Recipient {
		return false
	}
	return true
}

// Query returns the policy's committed events matching the filter, in
// sequence order.
func Query(ctx context.Context, src EventSource, policyAddr address.Address, filter QueryFilter) ([]records.AuditEvent, error) {
	events, err := src.ListAuditEvents(ctx, policyAddr, filter.StartSeq, 0)
	if err != nil {
		return nil, err
	}

	results := make([]records.AuditEvent, 0, len(events))
	for _, ev := range events {
		if !filter.matches(ev) {
			continue
		}
		results = append(results, ev)
		if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
			break
		}
	}
	return results, nil
}
