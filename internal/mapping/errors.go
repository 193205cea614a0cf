package mapping

import (
	"fmt"

	"github.com/mrzor/pfviz/internal/model"
)

// OrderingError reports a MappingChange applied out of timestamp order.
// It is fatal to ingestion: the table refuses the change rather than
// attributing later events against a corrupted history.
type OrderingError struct {
	Op   model.ChangeOp
	ID   model.MappingID
	At   model.Timestamp
	Last model.Timestamp
	// Reason is set when the violation is relative to the mapping itself
	// (destroyed before it was created) rather than to the table.
	Reason string
}

func (e *OrderingError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("mapping ordering error: %s #%d at %s: %s", e.Op, e.ID, e.At, e.Reason)
	}
	return fmt.Sprintf("mapping ordering error: %s #%d at %s is earlier than last applied change at %s",
		e.Op, e.ID, e.At, e.Last)
}

// ChangeError reports a structurally invalid MappingChange.
type ChangeError struct {
	Change model.MappingChange
	Reason string
}

func (e *ChangeError) Error() string {
	return fmt.Sprintf("invalid mapping change (%s): %s", e.Change, e.Reason)
}

// OverlapError describes two or more live mappings covering the same address
// at the same time. It is never returned from Resolve; it is counted, logged
// and passed to the overlap hook, and the most recently created mapping wins.
type OverlapError struct {
	Address uint64
	At      model.Timestamp
	Chosen  model.MappingID
	Others  []model.MappingID
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("mapping overlap at %#x (t=%s): chose #%d over %v", e.Address, e.At, e.Chosen, e.Others)
}
