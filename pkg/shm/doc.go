// Package shm provides named shared-memory channels between processes on
// one host.
//
// A channel pairs a fixed-size shared segment with a named binary lock. Any
// process that opens the same name attaches to the same bytes; the first one
// creates them zero-filled, and the last one to close removes them. Reads
// and writes copy the whole payload while holding the lock, bounded by a
// timeout:
//
//	ch, err := shm.Open("telemetry", 64)
//	if err != nil {
//	  return err
//	}
//	defer ch.Close()
//	ok, err := ch.TryWrite(payload, 10*time.Millisecond)
//
// A timeout <= 0 waits forever. A timed-out call returns false and is not an
// error. Typed values go through a Codec with Typed; see BinaryCodec and
// MsgpackCodec.
//
// The production backend is System V IPC on Linux (see internal/shm).
// NewMemoryRegistry gives the same semantics inside one process for tests.
//
// Channels are instrumented with Prometheus (Metrics) and OpenTelemetry
// (Config.Meter, Config.Tracer).
package shm
