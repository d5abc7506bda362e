// Package ledger encodes and decodes sealed ledger segments.
//
// A segment is UTF-8 text: one header line followed by one line per sealed
// operation, each line a canonical JSON object terminated by '\n'. The
// header names the tenant, the secure number and the digest of the previous
// segment, so the segments of a tenant form a hash chain. Canonical encoding
// makes the bytes, and therefore the digest, a pure function of the sealed
// operations.
//
// Header:
//
//	{"created_at":"...","first_operation":12,"format":"1","last_operation":40,
//	 "number":3,"operations":17,"previous_digest":"<hex>","tenant":0}
//
// Operation line:
//
//	{"actions":[{"kind":"create","object":{...}}],"application_id":"",
//	 "created_at":"...","id":12,"message":"...","properties":{},"status":"OK",
//	 "tenant":0,"type":"ingest","updated_at":"...","user_id":""}
package ledger
