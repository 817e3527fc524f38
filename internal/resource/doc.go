// Package resource implements the process-wide budget shared by all buffers.
//
// Three resources are governed:
//
//   - Reserve: the soft ceiling for cached batch memory. Charge and Discharge
//     never fail; Overage tells the cache how much it must spill.
//
//   - Processing: working memory operators reserve up front, with wait, no-wait
//     and force semantics on a weighted semaphore.
//
//   - IO and background work: a token bucket for spill IO and a small semaphore
//     for compaction jobs.
//
//     rc := resource.NewController(resource.Config{
//     ReserveLimitBytes:    256 << 20,
//     ProcessingLimitBytes: 32 << 20,
//     })
//
//     granted, err := rc.ReserveProcessing(ctx, 4<<20, resource.ModeNoWait)
//     if err != nil {
//     return err
//     }
//     defer rc.ReleaseProcessing(granted)
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully; they become no-ops.
package resource
