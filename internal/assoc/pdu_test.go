package assoc

import (
	"bytes"
	"testing"

	"github.com/roach88/pacsgather/internal/dicom"
)

func TestAssociate_EncodeParseRoundTrip(t *testing.T) {
	rq := &associateRQ{
		calledAE:  "ARCHIVE1",
		callingAE: "PACSGATHER",
		maxPDU:    65536,
		contexts: []presContext{
			{id: 1, abstractSyntax: dicom.Verification, transferSyntaxes: []string{dicom.ImplicitVRLittleEndian}},
			{id: 3, abstractSyntax: dicom.StudyRootQueryRetrieveFind, transferSyntaxes: []string{dicom.ImplicitVRLittleEndian}},
		},
	}

	parsed, err := parseAssociate(rq.encode(pduAssociateRQ))
	if err != nil {
		t.Fatalf("parseAssociate() failed: %v", err)
	}

	if parsed.calledAE != "ARCHIVE1" {
		t.Errorf("calledAE = %q, want %q", parsed.calledAE, "ARCHIVE1")
	}
	if parsed.callingAE != "PACSGATHER" {
		t.Errorf("callingAE = %q, want %q", parsed.callingAE, "PACSGATHER")
	}
	if parsed.maxPDU != 65536 {
		t.Errorf("maxPDU = %d, want 65536", parsed.maxPDU)
	}
	if len(parsed.contexts) != 2 {
		t.Fatalf("contexts = %d, want 2", len(parsed.contexts))
	}
	if parsed.contexts[1].abstractSyntax != dicom.StudyRootQueryRetrieveFind {
		t.Errorf("abstract syntax = %q", parsed.contexts[1].abstractSyntax)
	}
	if parsed.contexts[1].id != 3 {
		t.Errorf("context id = %d, want 3", parsed.contexts[1].id)
	}
}

// The associate payload carries no PDU header: AE titles sit right
// after the 4-byte version/reserved prefix and items begin at 68.
func TestAssociate_PayloadLayout(t *testing.T) {
	rq := &associateRQ{calledAE: "ARCHIVE1", callingAE: "PACSGATHER", maxPDU: 16384}
	body := rq.encode(pduAssociateRQ)

	if got := string(body[4:20]); got != "ARCHIVE1        " {
		t.Errorf("calledAE field = %q", got)
	}
	if got := string(body[20:36]); got != "PACSGATHER      " {
		t.Errorf("callingAE field = %q", got)
	}
	if body[68] != itemApplicationContext {
		t.Errorf("first item type = %#x, want %#x", body[68], itemApplicationContext)
	}
}

func TestParseAssociate_RejectsContextWithoutAbstractSyntax(t *testing.T) {
	rq := &associateRQ{
		calledAE:  "ARCHIVE1",
		callingAE: "PACSGATHER",
		maxPDU:    16384,
		contexts: []presContext{
			{id: 1, abstractSyntax: dicom.Verification, transferSyntaxes: []string{dicom.ImplicitVRLittleEndian}},
		},
	}
	rq.contexts[0].abstractSyntax = ""
	if _, err := parseAssociate(rq.encode(pduAssociateRQ)); err == nil {
		t.Error("parseAssociate() accepted RQ context without abstract syntax")
	}
}

func TestPDV_EncodeParseRoundTrip(t *testing.T) {
	in := []pdv{
		{ctxID: 1, command: true, last: true, data: []byte{0xDE, 0xAD}},
		{ctxID: 1, command: false, last: false, data: []byte{0x01}},
		{ctxID: 1, command: false, last: true, data: nil},
	}
	out, err := parsePDVs(encodePDVs(in))
	if err != nil {
		t.Fatalf("parsePDVs() failed: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("parsed %d pdvs, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].ctxID != in[i].ctxID || out[i].command != in[i].command || out[i].last != in[i].last {
			t.Errorf("pdv %d flags differ: %+v vs %+v", i, out[i], in[i])
		}
		if !bytes.Equal(out[i].data, in[i].data) && len(in[i].data) > 0 {
			t.Errorf("pdv %d data differs", i)
		}
	}
}

func TestParsePDVs_Truncated(t *testing.T) {
	raw := encodePDVs([]pdv{{ctxID: 1, command: true, last: true, data: []byte{1, 2, 3, 4}}})
	if _, err := parsePDVs(raw[:len(raw)-2]); err == nil {
		t.Error("parsePDVs() accepted truncated payload")
	}
}

func TestPadAE(t *testing.T) {
	if got := padAE("SHORT"); len(got) != 16 {
		t.Errorf("padAE length = %d, want 16", len(got))
	}
	if got := padAE("AVERYLONGAETITLE_OVERFLOWING"); len(got) != 16 {
		t.Errorf("padAE truncated length = %d, want 16", len(got))
	}
}
