// Package bufmgr manages memory and spill storage for query intermediates.
//
// A BufferManager owns a reserve budget for cached row batches, a processing
// budget operators reserve working memory from, and the spill storage behind
// both. Many queries share one manager; each creates its own tuple buffers,
// search trees and file stores from it.
//
// # Quick Start
//
//	bm, _ := bufmgr.New(bufmgr.WithMaxReserveKB(64<<10), bufmgr.WithStorageDir("/tmp"))
//	defer bm.Close()
//
//	schema := types.NewSchema(types.TypeInteger, types.TypeString)
//	tb, _ := bm.CreateTupleBuffer(schema, "scan", bufmgr.SourceConnector)
//	tb.AddTuple(ctx, types.Tuple{types.Int(1), types.String("a")})
//	tb.Close(ctx)
//
//	src := tb.CreateIndexedTupleSource()
//	for row, err := range src.All(ctx) { ... }
//
// # Memory Model
//
// The reserve ceiling is soft. Creating batches never fails because memory is
// short; the least recently used batches are serialized, compressed and written
// to spill storage instead. Only exhausted storage is an error, reported as a
// component failure.
//
// # Errors
//
// Every error is either a component failure (ErrComponent) or a contract
// violation (ErrContractViolation):
//
//	if bufmgr.IsContractViolation(err) {
//	    // caller bug: forward-only re-access, double close, out-of-bounds read
//	}
//
// # Query Scopes
//
// NewScope ties buffers, trees and stores to a context. Cancelling the context
// releases all of them.
package bufmgr
