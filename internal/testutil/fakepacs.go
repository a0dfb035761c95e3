// Package testutil provides an in-process fake PACS peer for exercising
// the association, query, and retrieve paths over net.Pipe, without a
// real archive on the network.
package testutil

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roach88/pacsgather/internal/assoc"
	"github.com/roach88/pacsgather/internal/dicom"
)

// GetScript controls how the fake peer answers one C-GET request.
type GetScript struct {
	// Items are the datasets delivered as C-STORE sub-operations.
	Items []*dicom.Dataset
	// FailedItems inflates the failed sub-operation count in the final
	// response, simulating instances the peer could not send.
	FailedItems int
	// FinalStatus overrides the final C-GET status (default: derived
	// from FailedItems — 0x0000 clean, 0xB000 warning otherwise).
	FinalStatus uint16
	// HasFinalStatus marks FinalStatus as explicitly set.
	HasFinalStatus bool
	// DropAfter, when > 0, severs the connection after that many
	// acknowledged items, before any final response.
	DropAfter int
}

// FindScript controls how the fake peer answers one C-FIND request.
type FindScript struct {
	// Results are returned as pending responses, in order.
	Results []*dicom.Dataset
	// FinalStatus is the terminal status (default 0x0000). Setting it to
	// 0xFE00 or 0xA700 simulates a cancelled / out-of-resources peer.
	FinalStatus uint16
	// TruncateAfter, when > 0, sends only that many results before the
	// terminal status. Used with a failure FinalStatus to model a peer
	// dying mid-stream.
	TruncateAfter int
}

// Peer is a scripted fake PACS. Each accepted association is served on
// its own goroutine; the zero value answers echoes and returns empty
// query results.
type Peer struct {
	AETitle string

	// OnFind is consulted per C-FIND request.
	OnFind func(identifier *dicom.Dataset) FindScript
	// OnGet is consulted per C-GET request.
	OnGet func(identifier *dicom.Dataset) GetScript
	// RefuseAssociations makes the peer reject every handshake.
	RefuseAssociations bool

	mu           sync.Mutex
	associations int
	finds        int
	gets         int
}

// Associations returns how many associations the peer accepted.
func (p *Peer) Associations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.associations
}

// Finds returns how many C-FIND requests the peer served.
func (p *Peer) Finds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finds
}

// Gets returns how many C-GET requests the peer served.
func (p *Peer) Gets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets
}

// Dialer returns an assoc.Options dialer that connects to this peer over
// net.Pipe. Every dial spawns a fresh server goroutine.
func (p *Peer) Dialer() func(ctx context.Context, addr string) (net.Conn, error) {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		go p.serve(server)
		return client, nil
	}
}

func (p *Peer) serve(conn net.Conn) {
	if p.RefuseAssociations {
		assoc.Reject(conn, false)
		return
	}
	ae := p.AETitle
	if ae == "" {
		ae = "FAKEPACS"
	}
	// Counted before the handshake reply goes out: the pipe write
	// blocks until the client reads it, so once Open returns the
	// caller observes the updated count.
	p.mu.Lock()
	p.associations++
	p.mu.Unlock()
	a, err := assoc.Accept(conn, ae, time.Minute)
	if err != nil {
		p.mu.Lock()
		p.associations--
		p.mu.Unlock()
		conn.Close()
		return
	}
	defer conn.Close()

	ctx := context.Background()
	for {
		msg, err := a.ReadMessage(ctx)
		if err != nil {
			if err != assoc.ErrReleased {
				slog.Debug("fake pacs read failed", "error", err)
			}
			return
		}
		switch msg.CommandField() {
		case assoc.CmdCEchoRQ:
			p.answerEcho(ctx, a, msg)
		case assoc.CmdCFindRQ:
			p.answerFind(ctx, a, msg)
		case assoc.CmdCGetRQ:
			if p.answerGet(ctx, a, msg) {
				return
			}
		default:
			return
		}
	}
}

func (p *Peer) answerEcho(ctx context.Context, a *assoc.Association, msg *assoc.Message) {
	rsp := dicom.NewDataset()
	rsp.SetString(dicom.TagAffectedSOPClassUID, dicom.Verification)
	rsp.SetUint16(dicom.TagCommandField, assoc.CmdCEchoRSP)
	respondTo(rsp, msg)
	rsp.SetUint16(dicom.TagCommandDataSetType, 0x0101)
	rsp.SetUint16(dicom.TagStatus, 0x0000)
	a.WriteMessageCtx(ctx, msg.ContextID, rsp, nil)
}

func (p *Peer) answerFind(ctx context.Context, a *assoc.Association, msg *assoc.Message) {
	p.mu.Lock()
	p.finds++
	p.mu.Unlock()

	script := FindScript{}
	if p.OnFind != nil {
		script = p.OnFind(msg.Data)
	}
	results := script.Results
	if script.TruncateAfter > 0 && script.TruncateAfter < len(results) {
		results = results[:script.TruncateAfter]
	}
	for _, r := range results {
		rsp := findRSP(msg, 0xFF00)
		a.WriteMessageCtx(ctx, msg.ContextID, rsp, r)
	}
	a.WriteMessageCtx(ctx, msg.ContextID, findRSP(msg, script.FinalStatus), nil)
}

func findRSP(msg *assoc.Message, status uint16) *dicom.Dataset {
	rsp := dicom.NewDataset()
	rsp.SetString(dicom.TagAffectedSOPClassUID, dicom.StudyRootQueryRetrieveFind)
	rsp.SetUint16(dicom.TagCommandField, assoc.CmdCFindRSP)
	respondTo(rsp, msg)
	if status == 0xFF00 {
		rsp.SetUint16(dicom.TagCommandDataSetType, 0x0102)
	} else {
		rsp.SetUint16(dicom.TagCommandDataSetType, 0x0101)
	}
	rsp.SetUint16(dicom.TagStatus, status)
	return rsp
}

// answerGet serves one C-GET. A true result tells the serve loop to
// drop the connection without a final response.
func (p *Peer) answerGet(ctx context.Context, a *assoc.Association, msg *assoc.Message) bool {
	p.mu.Lock()
	p.gets++
	p.mu.Unlock()

	script := GetScript{}
	if p.OnGet != nil {
		script = p.OnGet(msg.Data)
	}

	var completed, failed uint16
	failed = uint16(script.FailedItems)

	for i, item := range script.Items {
		store := dicom.NewDataset()
		store.SetString(dicom.TagAffectedSOPClassUID, dicom.SecondaryCaptureImageStorage)
		store.SetUint16(dicom.TagCommandField, assoc.CmdCStoreRQ)
		store.SetUint16(dicom.TagMessageID, uint16(100+i))
		store.SetUint16(dicom.TagPriority, 0)
		store.SetUint16(dicom.TagCommandDataSetType, 0x0102)
		store.SetString(dicom.TagAffectedSOPInstanceUID, item.StringOr(dicom.TagSOPInstanceUID, "0.0"))

		storeCtx, err := a.ContextID(dicom.SecondaryCaptureImageStorage)
		if err != nil {
			storeCtx = msg.ContextID
		}
		if err := a.WriteMessageCtx(ctx, storeCtx, store, item); err != nil {
			return true
		}
		rsp, err := a.ReadMessage(ctx)
		if err != nil {
			return true
		}
		if rsp.Status() == 0 {
			completed++
		} else {
			failed++
		}
		if script.DropAfter > 0 && i+1 == script.DropAfter {
			return true
		}
	}

	status := uint16(0x0000)
	if failed > 0 {
		status = 0xB000 // sub-operations complete, one or more failures
	}
	if script.HasFinalStatus {
		status = script.FinalStatus
	}

	final := dicom.NewDataset()
	final.SetString(dicom.TagAffectedSOPClassUID, dicom.StudyRootQueryRetrieveGet)
	final.SetUint16(dicom.TagCommandField, assoc.CmdCGetRSP)
	respondTo(final, msg)
	final.SetUint16(dicom.TagCommandDataSetType, 0x0101)
	final.SetUint16(dicom.TagStatus, status)
	final.SetUint16(dicom.TagRemainingSubOps, 0)
	final.SetUint16(dicom.TagCompletedSubOps, completed)
	final.SetUint16(dicom.TagFailedSubOps, failed)
	final.SetUint16(dicom.TagWarningSubOps, 0)
	a.WriteMessageCtx(ctx, msg.ContextID, final, nil)
	return false
}

func respondTo(rsp *dicom.Dataset, msg *assoc.Message) {
	if id, ok := msg.Command.GetUint16(dicom.TagMessageID); ok {
		rsp.SetUint16(dicom.TagMessageIDRespondedTo, id)
	}
}

// StudyDataset builds a minimal study-level identifier for scripting
// query results.
func StudyDataset(patientID, studyUID string, fields map[string]string) *dicom.Dataset {
	d := dicom.NewDataset()
	d.SetString(dicom.TagQueryRetrieveLevel, "STUDY")
	d.SetString(dicom.TagPatientID, patientID)
	d.SetString(dicom.TagStudyInstanceUID, studyUID)
	for kw, v := range fields {
		if t, ok := dicom.TagForKeyword(kw); ok {
			d.SetString(t, v)
		}
	}
	return d
}

// InstanceDataset builds a minimal stored-instance dataset for scripting
// C-GET sub-operations.
func InstanceDataset(studyUID, seriesUID, sopUID string) *dicom.Dataset {
	d := dicom.NewDataset()
	d.SetString(dicom.TagSOPClassUID, dicom.SecondaryCaptureImageStorage)
	d.SetString(dicom.TagSOPInstanceUID, sopUID)
	d.SetString(dicom.TagStudyInstanceUID, studyUID)
	d.SetString(dicom.TagSeriesInstanceUID, seriesUID)
	return d
}
