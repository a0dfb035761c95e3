// Package assoc manages associations with remote DICOM archive nodes: the
// A-ASSOCIATE handshake with presentation context negotiation, DIMSE
// message exchange over P-DATA-TF, graceful release with abort fallback,
// C-ECHO liveness probes, and a bounded per-node association pool.
//
// All network failures surface as typed errors (ConnectError,
// NegotiationError, ProtocolError, TimeoutError) so callers can classify
// retryability without string matching.
package assoc
