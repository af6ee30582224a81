// Package tokenizer implements an opaque, short-lived token issuance and
// pairwise-resolution engine.
//
// Features:
//   - Authenticated, key-wrapped, fixed-structure token format (AES key
//     wrap over a per-token salted HMAC key)
//   - Batched token lifecycle with per-batch claim counters and pairwise
//     resolution bitstrings
//   - Entity/registration/batch/pairwise-token coordination over an
//     eventually-consistent document store, using monotone counters and
//     conditional writes in place of transactions
//   - Batch-version metadata binding token bytes to a specific HMAC key
//     and parameter set
package tokenizer
