package driver

import (
	"log"

	"github.com/louisbranch/story-engine/internal/provision"
	"github.com/louisbranch/story-engine/internal/stream"
)

// AuditChannel is the journal channel provisioning receipts land on.
const AuditChannel = "audit"

// SelectionAudit writes provisioning decisions into the session journal as
// receipt records, so softlocks can be diagnosed from the journal alone.
type SelectionAudit struct {
	Stream *stream.Stream
}

// RecordSelection implements provision.AuditSink.
func (a SelectionAudit) RecordSelection(entry provision.AuditEntry) {
	offers := make([]map[string]any, 0, len(entry.Offers))
	for _, o := range entry.Offers {
		offers = append(offers, map[string]any{
			"provider_id": o.ProviderID,
			"op":          string(o.Op),
			"cost":        o.Cost,
			"proximity":   o.Proximity,
		})
	}
	rec := stream.NewReceipt("provision.resolve", entry.Key, map[string]any{
		"requirement_uid": entry.RequirementUID,
		"hard":            entry.Hard,
		"offers":          offers,
		"chosen_id":       entry.ChosenID,
		"chosen_op":       string(entry.ChosenOp),
		"reason":          entry.Reason,
	})
	rec.AddTag(stream.ChannelTagPrefix + AuditChannel)
	if _, err := a.Stream.AddRecord(rec); err != nil {
		log.Printf("driver: record provision audit for %s: %v", entry.Key, err)
	}
}
