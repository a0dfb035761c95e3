package assoc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/roach88/pacsgather/internal/dicom"
)

const applicationContext = dicom.ApplicationContext

// DIMSE command field values.
const (
	CmdCStoreRQ = 0x0001
	CmdCFindRQ  = 0x0020
	CmdCGetRQ   = 0x0010
	CmdCEchoRQ  = 0x0030
	rspFlag     = 0x8000
	CmdCStoreRSP = CmdCStoreRQ | rspFlag
	CmdCFindRSP  = CmdCFindRQ | rspFlag
	CmdCGetRSP   = CmdCGetRQ | rspFlag
	CmdCEchoRSP  = CmdCEchoRQ | rspFlag
)

// noDataSet is the CommandDataSetType value meaning no dataset follows.
const noDataSet = 0x0101

// Node identifies a remote archive: its application entity title and
// network address. Immutable once a job starts.
type Node struct {
	AETitle string
	Host    string
	Port    int
}

// Addr returns the host:port dial address.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// Key returns the stable identity used to key ledger entries for this
// node. An AE title alone is not unique across sites, so the address is
// part of the key.
func (n Node) Key() string {
	return n.AETitle + "@" + n.Addr()
}

// Options configures association establishment and lifetime.
type Options struct {
	// CallingAE is our application entity title.
	CallingAE string
	// Timeout bounds every single network operation on the association.
	Timeout time.Duration
	// MaxOps closes the association after this many DIMSE operations.
	MaxOps int
	// TTL closes the association after this wall-clock lifetime.
	TTL time.Duration
	// Dialer overrides the network dialer. Tests use net.Pipe.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

func (o Options) withDefaults() Options {
	if o.CallingAE == "" {
		o.CallingAE = "PACSGATHER"
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxOps <= 0 {
		o.MaxOps = 256
	}
	if o.TTL <= 0 {
		o.TTL = 10 * time.Minute
	}
	if o.Dialer == nil {
		d := &net.Dialer{}
		o.Dialer = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return o
}

// Association is a live negotiated channel to a Node. It is owned by one
// goroutine at a time (enforced by the Pool); methods are not safe for
// concurrent use.
type Association struct {
	conn      net.Conn
	node      Node
	timeout   time.Duration
	peerMax   uint32
	contexts  map[string]uint8 // abstract syntax -> accepted context id
	nextMsgID uint16
	ops       int
	maxOps    int
	expiresAt time.Time
	closed    bool
}

// Message is one received DIMSE message: its command set and, when the
// command announced one, its dataset.
type Message struct {
	ContextID uint8
	Command   *dicom.Dataset
	Data      *dicom.Dataset
}

// CommandField returns the message's command field, or 0 when absent.
func (m *Message) CommandField() uint16 {
	v, _ := m.Command.GetUint16(dicom.TagCommandField)
	return v
}

// Status returns the message's status, or 0 when absent.
func (m *Message) Status() uint16 {
	v, _ := m.Command.GetUint16(dicom.TagStatus)
	return v
}

// Open dials the node and performs the A-ASSOCIATE handshake, proposing
// verification, study-root FIND and GET, and the storage classes needed
// for C-GET sub-operations, all in implicit VR little endian.
func Open(ctx context.Context, node Node, opts Options) (*Association, error) {
	opts = opts.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	conn, err := opts.Dialer(dialCtx, node.Addr())
	if err != nil {
		return nil, &ConnectError{Host: node.Host, Port: node.Port, Err: err}
	}

	a := &Association{
		conn:      conn,
		node:      node,
		timeout:   opts.Timeout,
		peerMax:   16384,
		contexts:  make(map[string]uint8),
		maxOps:    opts.MaxOps,
		expiresAt: time.Now().Add(opts.TTL),
	}

	proposed := append([]string{dicom.Verification, dicom.StudyRootQueryRetrieveFind, dicom.StudyRootQueryRetrieveGet}, dicom.StorageClasses...)
	rq := &associateRQ{
		calledAE:  node.AETitle,
		callingAE: opts.CallingAE,
		maxPDU:    65536,
		getSCU:    dicom.StorageClasses,
	}
	for i, sop := range proposed {
		rq.contexts = append(rq.contexts, presContext{
			id:               uint8(2*i + 1), // odd ids, per the standard
			abstractSyntax:   sop,
			transferSyntaxes: []string{dicom.ImplicitVRLittleEndian},
		})
	}

	a.setDeadline(ctx)
	if err := writePDU(conn, pduAssociateRQ, rq.encode(pduAssociateRQ)); err != nil {
		conn.Close()
		return nil, a.netErr("associate", err)
	}

	pduType, payload, err := readPDU(conn)
	if err != nil {
		conn.Close()
		return nil, a.netErr("associate", err)
	}

	switch pduType {
	case pduAssociateAC:
		ac, err := parseAssociate(payload)
		if err != nil {
			conn.Close()
			return nil, &ProtocolError{Op: "associate", Msg: err.Error()}
		}
		if ac.maxPDU > 0 {
			a.peerMax = ac.maxPDU
		}
		for _, pc := range ac.contexts {
			if pc.result != 0 {
				continue
			}
			// AC items omit the abstract syntax; match by id.
			if int(pc.id/2) < len(proposed) {
				a.contexts[proposed[pc.id/2]] = pc.id
			}
		}
		if len(a.contexts) == 0 {
			conn.Close()
			return nil, &NegotiationError{Reason: "peer refused all presentation contexts"}
		}
		slog.Debug("association established",
			"node", node.Key(),
			"contexts", len(a.contexts),
			"peer_max_pdu", a.peerMax,
		)
		return a, nil

	case pduAssociateRJ:
		conn.Close()
		var result uint8
		if len(payload) >= 4 {
			result = payload[1]
		}
		return nil, &NegotiationError{Result: result, Reason: rejectReason(payload)}

	default:
		conn.Close()
		return nil, &ProtocolError{Op: "associate", Msg: fmt.Sprintf("unexpected pdu type %#x", pduType)}
	}
}

func rejectReason(payload []byte) string {
	if len(payload) < 4 {
		return "malformed rejection"
	}
	permanence := "transient"
	if payload[1] == 1 {
		permanence = "permanent"
	}
	return fmt.Sprintf("%s rejection (source %d, reason %d)", permanence, payload[2], payload[3])
}

// Node returns the remote node this association is bound to.
func (a *Association) Node() Node { return a.node }

// Expired reports whether the association has exceeded its lifetime
// bounds and should be released rather than reused.
func (a *Association) Expired() bool {
	return a.closed || a.ops >= a.maxOps || time.Now().After(a.expiresAt)
}

// NextMessageID returns a fresh DIMSE message id.
func (a *Association) NextMessageID() uint16 {
	a.nextMsgID++
	return a.nextMsgID
}

// ContextID resolves the accepted presentation context for a SOP class.
func (a *Association) ContextID(sopClass string) (uint8, error) {
	id, ok := a.contexts[sopClass]
	if !ok {
		return 0, &NegotiationError{Reason: fmt.Sprintf("no accepted presentation context for %s", sopClass)}
	}
	return id, nil
}

// setDeadline arms the connection deadline from the operation timeout,
// tightened by any earlier context deadline.
func (a *Association) setDeadline(ctx context.Context) {
	deadline := time.Now().Add(a.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	a.conn.SetDeadline(deadline)
}

// netErr classifies a raw network error into the association taxonomy.
func (a *Association) netErr(op string, err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// Peer closed mid-operation. Retryable on a fresh association.
		return &ConnectError{Host: a.node.Host, Port: a.node.Port, Err: fmt.Errorf("connection lost during %s: %w", op, err)}
	}
	return &ProtocolError{Op: op, Msg: err.Error()}
}

// WriteMessage sends a DIMSE message on the accepted context for the
// given SOP class. data may be nil for command-only messages.
func (a *Association) WriteMessage(ctx context.Context, sopClass string, cmd, data *dicom.Dataset) error {
	ctxID, err := a.ContextID(sopClass)
	if err != nil {
		return err
	}
	return a.WriteMessageCtx(ctx, ctxID, cmd, data)
}

// WriteMessageCtx sends a DIMSE message on an explicit presentation
// context id. Used when responding to peer-initiated sub-operations,
// which must answer on the context they arrived on.
func (a *Association) WriteMessageCtx(ctx context.Context, ctxID uint8, cmd, data *dicom.Dataset) error {
	if a.closed {
		return &ProtocolError{Op: "write", Msg: "association closed"}
	}
	a.ops++
	a.setDeadline(ctx)

	if err := a.writeFragmented(ctxID, true, cmd.EncodeCommand()); err != nil {
		return err
	}
	if data != nil {
		if err := a.writeFragmented(ctxID, false, data.Encode()); err != nil {
			return err
		}
	}
	return nil
}

func (a *Association) writeFragmented(ctxID uint8, command bool, payload []byte) error {
	max := int(a.peerMax) - 6
	if max < 1024 {
		max = 1024
	}
	for off := 0; ; {
		end := off + max
		last := end >= len(payload)
		if last {
			end = len(payload)
		}
		p := pdv{ctxID: ctxID, command: command, last: last, data: payload[off:end]}
		if err := writePDU(a.conn, pduDataTF, encodePDVs([]pdv{p})); err != nil {
			return a.netErr("send", err)
		}
		if last {
			return nil
		}
		off = end
	}
}

// ReadMessage reads one complete DIMSE message, reassembling fragmented
// command and dataset PDVs. A peer abort surfaces as a ProtocolError; a
// peer-initiated release as ErrReleased.
func (a *Association) ReadMessage(ctx context.Context) (*Message, error) {
	if a.closed {
		return nil, &ProtocolError{Op: "read", Msg: "association closed"}
	}
	a.setDeadline(ctx)

	msg := &Message{}
	var cmdBuf, dataBuf []byte
	var inData bool
	for {
		pduType, payload, err := readPDU(a.conn)
		if err != nil {
			return nil, a.netErr("receive", err)
		}
		switch pduType {
		case pduDataTF:
			pdvs, err := parsePDVs(payload)
			if err != nil {
				return nil, &ProtocolError{Op: "receive", Msg: err.Error()}
			}
			for _, p := range pdvs {
				msg.ContextID = p.ctxID
				if p.command && inData {
					return nil, &ProtocolError{Op: "receive", Msg: "command pdv after dataset started"}
				}
				if p.command {
					cmdBuf = append(cmdBuf, p.data...)
					if !p.last {
						continue
					}
					msg.Command, err = dicom.ParseDataset(cmdBuf)
					if err != nil {
						return nil, &ProtocolError{Op: "receive", Msg: err.Error()}
					}
					dst, ok := msg.Command.GetUint16(dicom.TagCommandDataSetType)
					if ok && dst == noDataSet {
						return msg, nil
					}
					inData = true
					continue
				}
				dataBuf = append(dataBuf, p.data...)
				if p.last {
					msg.Data, err = dicom.ParseDataset(dataBuf)
					if err != nil {
						return nil, &ProtocolError{Op: "receive", Msg: err.Error()}
					}
					return msg, nil
				}
			}

		case pduAbort:
			a.closeConn()
			return nil, &ProtocolError{Op: "receive", Msg: "peer aborted association"}

		case pduReleaseRQ:
			// Peer-initiated release: acknowledge, close, and report the
			// sentinel so server loops can distinguish a clean shutdown.
			writePDU(a.conn, pduReleaseRP, make([]byte, 4))
			a.closeConn()
			return nil, ErrReleased

		default:
			return nil, &ProtocolError{Op: "receive", Msg: fmt.Sprintf("unexpected pdu type %#x", pduType)}
		}
	}
}

// Echo issues a C-ECHO to verify the peer is responsive. This is the
// liveness probe: it has no side effects on peer state.
func (a *Association) Echo(ctx context.Context) error {
	cmd := dicom.NewDataset()
	cmd.SetString(dicom.TagAffectedSOPClassUID, dicom.Verification)
	cmd.SetUint16(dicom.TagCommandField, CmdCEchoRQ)
	cmd.SetUint16(dicom.TagMessageID, a.NextMessageID())
	cmd.SetUint16(dicom.TagCommandDataSetType, noDataSet)

	if err := a.WriteMessage(ctx, dicom.Verification, cmd, nil); err != nil {
		return err
	}
	rsp, err := a.ReadMessage(ctx)
	if err != nil {
		return err
	}
	if rsp.CommandField() != CmdCEchoRSP {
		return &ProtocolError{Op: "echo", Msg: fmt.Sprintf("unexpected command field %#x", rsp.CommandField())}
	}
	if s := rsp.Status(); s != 0 {
		return &ProtocolError{Op: "echo", Msg: fmt.Sprintf("echo failed with status %#x", s)}
	}
	return nil
}

// Alive reports liveness via C-ECHO, swallowing the error.
func (a *Association) Alive(ctx context.Context) bool {
	return !a.closed && a.Echo(ctx) == nil
}

// Release performs the graceful A-RELEASE handshake. If the peer does
// not confirm within the operation timeout, the association is aborted.
func (a *Association) Release(ctx context.Context) error {
	if a.closed {
		return nil
	}
	a.setDeadline(ctx)
	if err := writePDU(a.conn, pduReleaseRQ, make([]byte, 4)); err != nil {
		a.Abort()
		return a.netErr("release", err)
	}
	for {
		pduType, _, err := readPDU(a.conn)
		if err != nil {
			a.Abort()
			return a.netErr("release", err)
		}
		switch pduType {
		case pduReleaseRP:
			a.closeConn()
			return nil
		case pduDataTF:
			// Straggling data during release collision; drain it.
			continue
		default:
			a.closeConn()
			return &ProtocolError{Op: "release", Msg: fmt.Sprintf("unexpected pdu type %#x", pduType)}
		}
	}
}

// Abort sends A-ABORT and closes the connection immediately.
func (a *Association) Abort() error {
	if a.closed {
		return nil
	}
	a.conn.SetDeadline(time.Now().Add(2 * time.Second))
	writePDU(a.conn, pduAbort, []byte{0, 0, 0, 0})
	return a.closeConn()
}

func (a *Association) closeConn() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return a.conn.Close()
}
