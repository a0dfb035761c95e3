// Package retrieve executes the fetch operation for one discovered unit:
// a study-root C-GET whose sub-operations stream stored instances back
// on the same association. Each incoming item is converted and forwarded
// to the output sink before the next item is accepted.
//
// Peer-side sub-failures (one instance failing while others succeed) and
// item-local conversion failures are reported as a partial outcome, not
// a whole-task failure; the scheduler applies the completeness policy.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/roach88/pacsgather/internal/assoc"
	"github.com/roach88/pacsgather/internal/convert"
	"github.com/roach88/pacsgather/internal/dicom"
	"github.com/roach88/pacsgather/internal/find"
)

// C-STORE response statuses we send for sub-operations.
const (
	storeSuccess           = 0x0000
	storeProcessingFailure = 0x0110
)

// Outcome summarizes one retrieval: item counts as observed locally and
// as reported by the peer's final response, plus every item-local error.
type Outcome struct {
	// Delivered counts items converted and accepted by the sink.
	Delivered int
	// ConversionFailures counts items the converter rejected.
	ConversionFailures int
	// PeerCompleted/PeerFailed/PeerWarned are the sub-operation counts
	// from the peer's final C-GET response.
	PeerCompleted int
	PeerFailed    int
	PeerWarned    int
	// Status is the peer's final status.
	Status uint16
	// ItemErrors aggregates per-item failures (conversion errors and
	// refused sub-operations).
	ItemErrors error
}

// Clean reports whether every item was delivered with no peer-side or
// conversion failures.
func (o Outcome) Clean() bool {
	return o.ConversionFailures == 0 && o.PeerFailed == 0 && o.Status == 0x0000
}

// Partial reports whether at least one item was delivered but the task
// as a whole was incomplete.
func (o Outcome) Partial() bool {
	return o.Delivered > 0 && !o.Clean()
}

// identifier builds the C-GET identifier for a discovered unit.
func identifier(unit find.DiscoveredUnit) *dicom.Dataset {
	d := dicom.NewDataset()
	d.SetString(dicom.TagQueryRetrieveLevel, string(unit.Level))
	if unit.PatientID != "" {
		d.SetString(dicom.TagPatientID, unit.PatientID)
	}
	if unit.StudyUID != "" {
		d.SetString(dicom.TagStudyInstanceUID, unit.StudyUID)
	}
	if unit.SeriesUID != "" {
		d.SetString(dicom.TagSeriesInstanceUID, unit.SeriesUID)
	}
	if unit.SOPUID != "" {
		d.SetString(dicom.TagSOPInstanceUID, unit.SOPUID)
	}
	return d
}

// Retrieve fetches one unit over an open association. For every stored
// instance the peer pushes back, the converter runs synchronously and
// the record goes to the sink before the sub-operation is acknowledged.
//
// A non-nil error means the transfer itself broke (association-level
// failure) and nothing can be said about completeness; the Outcome is
// still populated with what was delivered before the break. Cooperative
// cancellation is honored between items.
func Retrieve(ctx context.Context, a *assoc.Association, unit find.DiscoveredUnit, conv convert.Converter, fields []string, sink convert.Sink) (Outcome, error) {
	var out Outcome

	cmd := dicom.NewDataset()
	cmd.SetString(dicom.TagAffectedSOPClassUID, dicom.StudyRootQueryRetrieveGet)
	cmd.SetUint16(dicom.TagCommandField, assoc.CmdCGetRQ)
	cmd.SetUint16(dicom.TagMessageID, a.NextMessageID())
	cmd.SetUint16(dicom.TagPriority, 0)
	cmd.SetUint16(dicom.TagCommandDataSetType, 0x0102)

	if err := a.WriteMessage(ctx, dicom.StudyRootQueryRetrieveGet, cmd, identifier(unit)); err != nil {
		return out, err
	}

	for {
		// Next natural checkpoint: between items.
		if err := ctx.Err(); err != nil {
			a.Abort()
			return out, err
		}

		msg, err := a.ReadMessage(ctx)
		if err != nil {
			return out, err
		}

		switch msg.CommandField() {
		case assoc.CmdCStoreRQ:
			status := uint16(storeSuccess)
			if msg.Data == nil {
				status = storeProcessingFailure
				out.ConversionFailures++
				out.ItemErrors = multierr.Append(out.ItemErrors, fmt.Errorf("sub-operation carried no dataset"))
			} else if rec, convErr := conv.Convert(msg.Data, fields); convErr != nil {
				// Conversion failures are item-local and never retried.
				status = storeProcessingFailure
				out.ConversionFailures++
				out.ItemErrors = multierr.Append(out.ItemErrors, convErr)
			} else if sinkErr := sink.Write(rec); sinkErr != nil {
				// The sink refusing a record means output persistence is
				// broken; completing the transfer would discard items.
				a.Abort()
				return out, fmt.Errorf("output sink: %w", sinkErr)
			} else {
				out.Delivered++
			}
			if err := storeRSP(ctx, a, msg, status); err != nil {
				return out, err
			}

		case assoc.CmdCGetRSP:
			switch s := msg.Status(); s {
			case 0xFF00: // pending, more sub-operations follow
				continue
			default:
				out.Status = s
				if v, ok := msg.Command.GetUint16(dicom.TagCompletedSubOps); ok {
					out.PeerCompleted = int(v)
				}
				if v, ok := msg.Command.GetUint16(dicom.TagFailedSubOps); ok {
					out.PeerFailed = int(v)
				}
				if v, ok := msg.Command.GetUint16(dicom.TagWarningSubOps); ok {
					out.PeerWarned = int(v)
				}
				slog.Debug("retrieval finished",
					"node", a.Node().Key(),
					"unit", unit.UID(),
					"delivered", out.Delivered,
					"peer_failed", out.PeerFailed,
					"status", fmt.Sprintf("%#x", s),
				)
				return out, nil
			}

		default:
			return out, &assoc.ProtocolError{Op: "get", Msg: fmt.Sprintf("unexpected command field %#x", msg.CommandField())}
		}
	}
}

func storeRSP(ctx context.Context, a *assoc.Association, msg *assoc.Message, status uint16) error {
	rsp := dicom.NewDataset()
	rsp.SetString(dicom.TagAffectedSOPClassUID, msg.Command.StringOr(dicom.TagAffectedSOPClassUID, ""))
	rsp.SetUint16(dicom.TagCommandField, assoc.CmdCStoreRSP)
	if id, ok := msg.Command.GetUint16(dicom.TagMessageID); ok {
		rsp.SetUint16(dicom.TagMessageIDRespondedTo, id)
	}
	rsp.SetUint16(dicom.TagCommandDataSetType, 0x0101)
	rsp.SetUint16(dicom.TagStatus, status)
	if uid, ok := msg.Command.GetString(dicom.TagAffectedSOPInstanceUID); ok {
		rsp.SetString(dicom.TagAffectedSOPInstanceUID, uid)
	}
	return a.WriteMessageCtx(ctx, msg.ContextID, rsp, nil)
}
