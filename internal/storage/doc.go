// Package storage implements the persistence consumer of the gateway.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Pipeline   │────▶│   Manager   │────▶│    Sink     │
//	│  Consumer   │     │  (breaker)  │     │ sql/parquet │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                           │
//	                           ▼ retries exhausted
//	                    ┌─────────────┐
//	                    │  WAL spool  │
//	                    └─────────────┘
//
// A Manager inserts each reading through a circuit breaker. When the sink
// fails, the FailurePolicy decides what happens: "skip" logs the failure
// and appends the reading to the spool (if one is configured), "shutdown"
// returns an ErrFatal error that stops the gateway. Spooled readings are
// replayed into the sink at the next start.
//
// Sinks live in sub-packages:
//   - sqlstore: DuckDB (default) or PostgreSQL through database/sql
//   - parquet: rolling Parquet archive files
//   - wal: the spool segment format
package storage
