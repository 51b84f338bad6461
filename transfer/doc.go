// Package transfer drives one file transfer over one channel: the
// hybrid key exchange, the chunk stream with acknowledgments and
// retransmission, adaptive pacing, key rotation, and suspend/resume.
//
// A Session owns all protocol state from a single worker goroutine;
// transport callbacks feed it through an inbox and other goroutines
// observe it through accessors. Sending side:
//
//	s, _ := transfer.NewSendSession(ch, f, size, "report.pdf", transfer.DefaultConfig(), queue, mgr)
//	err := s.Run(ctx)
//
// Receiving side:
//
//	r := transfer.NewReceiveSession(ch, transfer.DefaultConfig(), queue, mgr)
//	if err := r.Run(ctx); err == nil {
//		data, _ := r.Bytes()
//	}
//
// A session that loses its channel mid-transfer parks in the Paused
// state with its resume state persisted; Resume reattaches it to a
// fresh channel. RestoreSendSession and RestoreReceiveSession rebuild
// parked sessions across process restarts.
package transfer
