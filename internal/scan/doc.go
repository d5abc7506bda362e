// Package scan enumerates the committed storage objects of a tenant by
// merging two sources: journal operations not yet sealed at the tenant's
// high-water mark, and the ledger segments sealed up to it.
//
// Every use goes through the same skeleton. An IteratorFactory picks the
// source pair for a use case (coherency, reindex, replication). Scanner.Build
// counts the distinct identities of both sources, allocates a Set of exactly
// that capacity and fills it; Scanner.Run streams the same records straight
// into a Processor instead.
package scan
