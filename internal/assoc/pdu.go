package assoc

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Upper layer PDU types.
const (
	pduAssociateRQ = 0x01
	pduAssociateAC = 0x02
	pduAssociateRJ = 0x03
	pduDataTF      = 0x04
	pduReleaseRQ   = 0x05
	pduReleaseRP   = 0x06
	pduAbort       = 0x07
)

// Variable item types inside ASSOCIATE PDUs.
const (
	itemApplicationContext   = 0x10
	itemPresentationCtxRQ    = 0x20
	itemPresentationCtxAC    = 0x21
	itemAbstractSyntax       = 0x30
	itemTransferSyntax       = 0x40
	itemUserInformation      = 0x50
	subItemMaxLength         = 0x51
	subItemImplementationUID = 0x52
	subItemRoleSelection     = 0x54
)

// maxPDUSize bounds what we will read from a peer. Larger announcements
// are clamped; a PDU header claiming more than this is a protocol error.
const maxPDUSize = 16 * 1024 * 1024

// implementationClassUID identifies this implementation in the user
// information item. Registered roots are not required for private use.
const implementationClassUID = "1.2.826.0.1.3680043.9.7433.1.1"

// presContext is one proposed or accepted presentation context.
type presContext struct {
	id               uint8
	abstractSyntax   string
	transferSyntaxes []string
	result           uint8 // AC only: 0 = acceptance
}

// associateRQ carries the fields of an A-ASSOCIATE-RQ (and, reusing the
// same wire shape, an A-ASSOCIATE-AC).
type associateRQ struct {
	calledAE  string
	callingAE string
	contexts  []presContext
	maxPDU    uint32
	// getSCU requests SCP/SCU role selection for C-GET sub-operations:
	// we act as the storage SCP on the same association.
	getSCU []string
}

func writePDU(w io.Writer, pduType uint8, payload []byte) error {
	hdr := make([]byte, 6)
	hdr[0] = pduType
	binary.BigEndian.PutUint32(hdr[2:6], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readPDU(r io.Reader) (uint8, []byte, error) {
	hdr := make([]byte, 6)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[2:6])
	if length > maxPDUSize {
		return 0, nil, fmt.Errorf("pdu length %d exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

// padAE space-pads an AE title to the fixed 16 byte field width.
func padAE(ae string) []byte {
	b := []byte(ae)
	if len(b) > 16 {
		b = b[:16]
	}
	for len(b) < 16 {
		b = append(b, ' ')
	}
	return b
}

func appendItem(buf []byte, itemType uint8, payload []byte) []byte {
	buf = append(buf, itemType, 0)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	return append(buf, payload...)
}

func (rq *associateRQ) encode(pduType uint8) []byte {
	var body []byte
	body = binary.BigEndian.AppendUint16(body, 0x0001) // protocol version
	body = append(body, 0, 0)                          // reserved
	body = append(body, padAE(rq.calledAE)...)
	body = append(body, padAE(rq.callingAE)...)
	body = append(body, make([]byte, 32)...) // reserved

	body = appendItem(body, itemApplicationContext, []byte(applicationContext))

	ctxItemType := uint8(itemPresentationCtxRQ)
	if pduType == pduAssociateAC {
		ctxItemType = itemPresentationCtxAC
	}
	for _, pc := range rq.contexts {
		var item []byte
		item = append(item, pc.id, 0, pc.result, 0)
		if pduType == pduAssociateRQ {
			item = appendItem(item, itemAbstractSyntax, []byte(pc.abstractSyntax))
		}
		for _, ts := range pc.transferSyntaxes {
			item = appendItem(item, itemTransferSyntax, []byte(ts))
		}
		body = appendItem(body, ctxItemType, item)
	}

	var user []byte
	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, rq.maxPDU)
	user = appendItem(user, subItemMaxLength, maxLen)
	user = appendItem(user, subItemImplementationUID, []byte(implementationClassUID))
	for _, sop := range rq.getSCU {
		var role []byte
		role = binary.BigEndian.AppendUint16(role, uint16(len(sop)))
		role = append(role, []byte(sop)...)
		role = append(role, 1, 1) // SCU role, SCP role
		user = appendItem(user, subItemRoleSelection, role)
	}
	body = appendItem(body, itemUserInformation, user)

	return body
}

func parseAssociate(payload []byte) (*associateRQ, error) {
	if len(payload) < 68 {
		return nil, fmt.Errorf("associate pdu too short: %d bytes", len(payload))
	}
	rq := &associateRQ{
		calledAE:  strings.TrimRight(string(payload[4:20]), " "),
		callingAE: strings.TrimRight(string(payload[20:36]), " "),
		maxPDU:    16384,
	}

	off := 68 // version(2) + reserved(2) + AEs(32) + reserved(32)
	for off+4 <= len(payload) {
		itemType := payload[off]
		length := int(binary.BigEndian.Uint16(payload[off+2 : off+4]))
		off += 4
		if off+length > len(payload) {
			return nil, fmt.Errorf("associate item %#x exceeds pdu", itemType)
		}
		item := payload[off : off+length]
		off += length

		switch itemType {
		case itemApplicationContext:
			if string(item) != applicationContext {
				return nil, fmt.Errorf("unexpected application context %q", item)
			}
		case itemPresentationCtxRQ, itemPresentationCtxAC:
			pc, err := parsePresContext(item, itemType == itemPresentationCtxAC)
			if err != nil {
				return nil, err
			}
			rq.contexts = append(rq.contexts, pc)
		case itemUserInformation:
			if max, ok := parseMaxLength(item); ok && max > 0 {
				rq.maxPDU = max
			}
		}
	}
	return rq, nil
}

func parsePresContext(item []byte, isAC bool) (presContext, error) {
	if len(item) < 4 {
		return presContext{}, fmt.Errorf("presentation context item too short")
	}
	pc := presContext{id: item[0], result: item[2]}
	off := 4
	for off+4 <= len(item) {
		subType := item[off]
		length := int(binary.BigEndian.Uint16(item[off+2 : off+4]))
		off += 4
		if off+length > len(item) {
			return presContext{}, fmt.Errorf("presentation context sub-item exceeds item")
		}
		value := string(item[off : off+length])
		off += length
		switch subType {
		case itemAbstractSyntax:
			pc.abstractSyntax = value
		case itemTransferSyntax:
			pc.transferSyntaxes = append(pc.transferSyntaxes, value)
		}
	}
	if !isAC && pc.abstractSyntax == "" {
		return presContext{}, fmt.Errorf("presentation context %d missing abstract syntax", pc.id)
	}
	return pc, nil
}

func parseMaxLength(user []byte) (uint32, bool) {
	off := 0
	for off+4 <= len(user) {
		subType := user[off]
		length := int(binary.BigEndian.Uint16(user[off+2 : off+4]))
		off += 4
		if off+length > len(user) {
			return 0, false
		}
		if subType == subItemMaxLength && length == 4 {
			return binary.BigEndian.Uint32(user[off : off+4]), true
		}
		off += length
	}
	return 0, false
}

// pdv is one presentation data value inside a P-DATA-TF PDU.
type pdv struct {
	ctxID   uint8
	command bool
	last    bool
	data    []byte
}

func encodePDVs(pdvs []pdv) []byte {
	var out []byte
	for _, p := range pdvs {
		out = binary.BigEndian.AppendUint32(out, uint32(len(p.data)+2))
		var mch uint8
		if p.command {
			mch |= 0x01
		}
		if p.last {
			mch |= 0x02
		}
		out = append(out, p.ctxID, mch)
		out = append(out, p.data...)
	}
	return out
}

func parsePDVs(payload []byte) ([]pdv, error) {
	var pdvs []pdv
	off := 0
	for off < len(payload) {
		if len(payload)-off < 6 {
			return nil, fmt.Errorf("truncated pdv at offset %d", off)
		}
		length := binary.BigEndian.Uint32(payload[off : off+4])
		if length < 2 || uint32(len(payload)-off-4) < length {
			return nil, fmt.Errorf("pdv length %d exceeds pdu", length)
		}
		mch := payload[off+5]
		pdvs = append(pdvs, pdv{
			ctxID:   payload[off+4],
			command: mch&0x01 != 0,
			last:    mch&0x02 != 0,
			data:    payload[off+6 : off+4+int(length)],
		})
		off += 4 + int(length)
	}
	return pdvs, nil
}
