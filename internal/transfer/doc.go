// Package transfer moves analyses from the source database into the
// per-entity repositories and the catalog.
//
// # Flow
//
// For each run id the pipeline loads a read-only view from the source,
// creates the catalog ancestors (material, project, sample, irradiation,
// level, position), writes the canonical record and its spectrometer
// file, stages both, and finally upserts the analysis row. Records are
// grouped by identifier and each group is committed once:
//
//	3 records imported from mysql://argon.example.org:3306/isotopedb
//
// # Idempotency
//
// A record whose catalog row and file both exist is Skipped unless
// overwrite is set. A file without a row (a run that died between the
// two writes) gets its row and is reported Created without rewriting
// the file. A row without a file gets the file rewritten.
//
// # Concurrency
//
// Groups that land in the same repository are processed in order by one
// worker. Different repositories are processed in parallel, up to the
// configured worker count.
package transfer
