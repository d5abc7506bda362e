package ir

// Version constants.
const (
	// LedgerFormat is the ledger segment header format version.
	LedgerFormat = "1"

	// EngineVersion is the coffer engine version.
	EngineVersion = "0.1.0"
)
