package find

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/pacsgather/internal/assoc"
	"github.com/roach88/pacsgather/internal/dicom"
)

// C-FIND terminal statuses we classify.
const (
	statusSuccess         = 0x0000
	statusPending         = 0xFF00
	statusPendingWarning  = 0xFF01
	statusCancel          = 0xFE00
	statusOutOfResources  = 0xA700
	statusIdentifierError = 0xA900
)

// QueryError means the spec was malformed or the peer rejected the
// query outright. Not retryable: the same query will fail again.
type QueryError struct {
	Status uint16 // peer status, 0 for local validation failures
	Msg    string
}

func (e *QueryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("query rejected: %s (status %#x)", e.Msg, e.Status)
	}
	return "invalid query: " + e.Msg
}

// PartialError reports a query that died mid-stream: the peer returned
// some matches and then cancelled or ran out of resources. The results
// received before the failure are valid; the caller decides whether to
// accept them or retry in full.
type PartialError struct {
	Status   uint16
	Received int
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("query ended after %d results with status %#x", e.Received, e.Status)
}

// IsPartial reports whether err is (or wraps) a PartialError.
func IsPartial(err error) bool {
	var pe *PartialError
	return errors.As(err, &pe)
}

// Results is the lazy sequence of units matched by one query. It is
// finite and not restartable: results are pulled off the association as
// the consumer advances.
type Results struct {
	ctx      context.Context
	a        *assoc.Association
	spec     QuerySpec
	received int
	done     bool
	err      error
}

// Next returns the next discovered unit. It returns false at the end of
// the sequence; Err() distinguishes clean completion from failure.
func (r *Results) Next() (DiscoveredUnit, bool) {
	if r.done {
		return DiscoveredUnit{}, false
	}
	for {
		msg, err := r.a.ReadMessage(r.ctx)
		if err != nil {
			r.done = true
			r.err = err
			return DiscoveredUnit{}, false
		}
		if msg.CommandField() != assoc.CmdCFindRSP {
			r.done = true
			r.err = &assoc.ProtocolError{Op: "find", Msg: fmt.Sprintf("unexpected command field %#x", msg.CommandField())}
			return DiscoveredUnit{}, false
		}

		switch status := msg.Status(); status {
		case statusPending, statusPendingWarning:
			if msg.Data == nil {
				// Pending without an identifier: skip, some peers do
				// send these as keep-alives.
				continue
			}
			r.received++
			return unitFromDataset(r.spec.Level, msg.Data, r.spec.Fields), true

		case statusSuccess:
			r.done = true
			return DiscoveredUnit{}, false

		case statusCancel, statusOutOfResources:
			r.done = true
			r.err = &PartialError{Status: status, Received: r.received}
			return DiscoveredUnit{}, false

		default:
			r.done = true
			r.err = &QueryError{Status: status, Msg: "peer refused query"}
			return DiscoveredUnit{}, false
		}
	}
}

// Err returns the error that terminated the sequence, if any. A
// PartialError means the units already yielded are valid but the
// sequence is incomplete.
func (r *Results) Err() error { return r.err }

// Received returns how many units have been yielded so far.
func (r *Results) Received() int { return r.received }

// Drain consumes the remaining sequence into a slice. Convenience for
// callers that do not need streaming.
func (r *Results) Drain() ([]DiscoveredUnit, error) {
	var units []DiscoveredUnit
	for {
		u, ok := r.Next()
		if !ok {
			return units, r.Err()
		}
		units = append(units, u)
	}
}

// Discover issues one C-FIND for the spec over an open association and
// returns the lazy result sequence. The association must not be used for
// anything else until the sequence is exhausted.
func Discover(ctx context.Context, a *assoc.Association, spec QuerySpec) (*Results, error) {
	identifier, err := spec.Identifier()
	if err != nil {
		return nil, err
	}

	cmd := dicom.NewDataset()
	cmd.SetString(dicom.TagAffectedSOPClassUID, dicom.StudyRootQueryRetrieveFind)
	cmd.SetUint16(dicom.TagCommandField, assoc.CmdCFindRQ)
	cmd.SetUint16(dicom.TagMessageID, a.NextMessageID())
	cmd.SetUint16(dicom.TagPriority, 0)
	cmd.SetUint16(dicom.TagCommandDataSetType, 0x0102)

	if err := a.WriteMessage(ctx, dicom.StudyRootQueryRetrieveFind, cmd, identifier); err != nil {
		return nil, err
	}

	slog.Debug("query issued",
		"node", a.Node().Key(),
		"level", spec.Level,
		"match_keys", len(spec.Match),
	)
	return &Results{ctx: ctx, a: a, spec: spec}, nil
}
