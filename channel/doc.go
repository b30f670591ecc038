// Package channel implements the transports the middleware routes to.
//
// Every transport satisfies Channel: Send never blocks, Receive waits on a
// broadcast signal (never a polling loop) up to a timeout, and subscribers
// are notified synchronously of every matching Send regardless of whether
// the message is later consumed.
//
//   - PriorityChannel: per-recipient queues, Critical > High > Normal > Low,
//     FIFO within a priority.
//   - GroupChannel: collaboration groups with membership-gated delivery and
//     bounded history, plus direct mailboxes with read flags.
//   - BlobChannel: a versioned payload store (structpb encoding, gzip+base64
//     above a threshold) that offloads large message data on Send and
//     resolves it again on Receive.
//
// Changed exposes the signal so callers can wait on several channels at
// once with a select.
package channel
