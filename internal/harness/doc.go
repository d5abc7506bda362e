// Package harness runs end-to-end archive scenarios.
//
// A scenario declares tenants backed by memory offers and a list of steps
// that ingest files, run securing ticks, move the clock, damage stored
// copies and run coherency checks. Each step produces a record; the records
// of a run are compared against a golden file.
//
// # Scenario Format
//
//	name: corrupt_segment
//	description: "A damaged segment copy is reported with its offer"
//	tenants:
//	  - id: 0
//	    offers: [A, B]
//	securing:
//	  batch_ceiling: 1000
//	steps:
//	  - ingest: {tenant: 0, operations: 2, files: 3}
//	  - secure:
//	      expect: {sealed: 1}
//	  - advance: 30m
//	  - corrupt: {tenant: 0, offer: B, segment: 1}
//	  - check:
//	      tenant: 0
//	      expect: {ok: false, code: SEGMENT_DIGEST_MISMATCH, offer: B, segment: 1}
//	  - check_all:
//	      expect: {ok: false, code: CHILD_FAILED}
//	assertions:
//	  - {type: segment_count, tenant: 0, count: 1}
//	  - {type: offer_segments, tenant: 0, offer: B, count: 1}
//	  - {type: status_count, tenant: 0, status: OK, count: 3}
//
// # Determinism
//
// The clock moves only on advance steps, file contents come from
// testutil.Blob with a per-scenario seed sequence, and records carry no
// digests or timestamps, so a scenario produces identical records on every
// run.
package harness
