// Package dispatch turns an inbound (topic, payload) message into exactly one
// report publish, or into nothing when a gate rejects it.
//
// Dispatch order:
//   - compute the report topic, topic + "/report"
//   - reject payloads with characters outside the ASCII printable set
//   - reject topics that are not in the registry
//   - resolve the command (exact parameter, then fallback with @!@ substitution)
//   - run it, strip one trailing newline, publish at QoS 2 without retain
//
// Rejections are logged and emitted as dispatch.rejected events; they never
// publish. Command failures are published like any other output, prefixed
// with "*****> ".
//
// Loop serialises dispatches: one message is handled end to end before the
// next one starts, in submission order.
package dispatch
