// Package flit implements an end-to-end encrypted peer-to-peer file
// transfer engine.
//
// Files are split into hashed chunks, encrypted under session keys from
// a hybrid post-quantum key exchange (ML-KEM-768 combined with X25519),
// streamed over a message channel with per-chunk acknowledgments, and
// reassembled and verified on the far side. Interrupted transfers
// persist resume state and continue with only the missing chunks; an
// adaptive controller paces transmission to the observed channel
// conditions; a group orchestrator fans one file out to several
// recipients at once.
//
// # Getting Started
//
// Create an engine on each side and drive a transfer over a channel:
//
//	eng, err := flit.New(&flit.Options{ResumePath: "resume.db"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	// sending side
//	err = eng.SendFile(ctx, channel, "/tmp/report.pdf")
//
//	// receiving side
//	path, err := eng.ReceiveToDir(ctx, channel, downloads)
//
// The engine is a thin façade; the transfer, group, chunker, crypto,
// rate, resume, transport and wire packages expose the full machinery
// for callers that need it.
package flit
