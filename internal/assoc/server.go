package assoc

import (
	"fmt"
	"net"
	"time"

	"github.com/roach88/pacsgather/internal/dicom"
)

// Accept performs the acceptor half of the A-ASSOCIATE handshake on an
// already-established connection. Every proposed context whose abstract
// syntax we support and that offers implicit VR little endian is
// accepted; the rest are refused.
//
// The returned Association exposes the same ReadMessage/WriteMessageCtx
// surface as an initiated one. This is what backs the in-process test
// peer and the store-and-forward listener.
func Accept(conn net.Conn, aeTitle string, timeout time.Duration) (*Association, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn.SetDeadline(time.Now().Add(timeout))

	pduType, payload, err := readPDU(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("accept association: %w", err)
	}
	if pduType != pduAssociateRQ {
		conn.Close()
		return nil, &ProtocolError{Op: "accept", Msg: fmt.Sprintf("expected associate-rq, got pdu type %#x", pduType)}
	}
	rq, err := parseAssociate(payload)
	if err != nil {
		conn.Close()
		return nil, &ProtocolError{Op: "accept", Msg: err.Error()}
	}

	supported := map[string]bool{
		dicom.Verification:               true,
		dicom.StudyRootQueryRetrieveFind: true,
		dicom.StudyRootQueryRetrieveGet:  true,
	}
	for _, sop := range dicom.StorageClasses {
		supported[sop] = true
	}

	a := &Association{
		conn:      conn,
		node:      Node{AETitle: rq.callingAE},
		timeout:   timeout,
		peerMax:   rq.maxPDU,
		contexts:  make(map[string]uint8),
		maxOps:    1 << 30,
		expiresAt: time.Now().Add(24 * time.Hour),
	}

	ac := &associateRQ{
		calledAE:  rq.callingAE,
		callingAE: aeTitle,
		maxPDU:    65536,
	}
	for _, pc := range rq.contexts {
		accepted := presContext{id: pc.id, transferSyntaxes: []string{dicom.ImplicitVRLittleEndian}}
		if supported[pc.abstractSyntax] && hasSyntax(pc.transferSyntaxes, dicom.ImplicitVRLittleEndian) {
			accepted.result = 0
			a.contexts[pc.abstractSyntax] = pc.id
		} else {
			accepted.result = 3 // abstract syntax not supported
		}
		ac.contexts = append(ac.contexts, accepted)
	}

	if err := writePDU(conn, pduAssociateAC, ac.encode(pduAssociateAC)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("accept association: %w", err)
	}
	return a, nil
}

// Reject answers an incoming associate request with A-ASSOCIATE-RJ and
// closes the connection. Used by listeners refusing unknown callers.
func Reject(conn net.Conn, permanent bool) error {
	defer conn.Close()
	result := byte(2) // transient
	if permanent {
		result = 1
	}
	// Drain the RQ first so the peer sees the rejection, not a reset.
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if pduType, _, err := readPDU(conn); err != nil || pduType != pduAssociateRQ {
		return fmt.Errorf("reject: no associate-rq received")
	}
	return writePDU(conn, pduAssociateRJ, []byte{0, result, 1, 3})
}

func hasSyntax(syntaxes []string, want string) bool {
	for _, s := range syntaxes {
		if s == want {
			return true
		}
	}
	return false
}
