// Package dicom implements the minimal DICOM data layer the collection
// engine needs: a dataset model with an implicit VR little endian codec,
// the tag and UID constants used by query/retrieve, DICOM date and time
// string conversion, and Specific Character Set decoding.
//
// This is deliberately not a general DICOM toolkit. Only the attributes
// and encodings exercised by C-ECHO, C-FIND, C-GET and their command sets
// are supported.
package dicom
