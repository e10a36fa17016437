// Package record defines the on-disk form of one analysis.
//
// # Overview
//
// Every analysis transferred into a repository becomes one YAML file named
// after its run id, e.g. 12345-01A.yaml. The file is an ordered mapping so
// that version-control diffs stay readable, and it is never rewritten once
// created unless the caller explicitly asks to overwrite.
//
// # Run IDs
//
// A run id is identifier-aliquot[step]:
//
//	12345-01     identifier 12345, aliquot 1, no step (increment -1)
//	12345-01A    identifier 12345, aliquot 1, step A (increment 0)
//	c-01-j-03    identifier c-01-j, aliquot 3
//
// The legacy comma form "12345,01,A" is accepted as well.
//
// # Spectrometer Files
//
// Calibration values shared by many analyses (gains, deflections,
// ic-factors) are written once per distinct content to
// <sha256>.spectrometer.yaml, and each record refers to that hash.
package record
