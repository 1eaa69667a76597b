// Package modelsync acquires multi-file ML model bundles from a remote hub,
// persists them under a resolved storage root, and keeps the local copy
// complete and byte-correct through targeted verification and repair.
//
// The package serves two primary use cases:
//
//  1. Programmatic API via the Engine interface - Applications can use New
//     to create an Engine that downloads artifacts, verifies their integrity,
//     and repairs missing or corrupt files by re-fetching only those files.
//
//  2. Embeddable CLI via NewCommand - Parent CLI tools can attach a complete
//     "models" subcommand tree to their Cobra root command, providing commands
//     like "mytool models pull", "mytool models verify", etc.
//
// # Thread Safety
//
// The Engine interface is fully thread-safe. Operations on distinct artifact
// ids proceed independently; concurrent calls for the same artifact id attach
// to the in-flight transfer rather than starting a duplicate one.
//
// # Integrity
//
// Every downloaded file is checked against the hub manifest: by SHA-256
// content hash when the hub publishes one for the file, by byte size
// otherwise. Verification walks a fixed phase sequence and re-downloads only
// the files classified missing or corrupt, at most one repair cycle per
// Verify call.
//
// # Observability
//
// Downloads and verification publish a closed set of typed events on a
// per-artifact bus. Subscribers receive events in publish order for a given
// artifact id; a bounded ring of rendered log lines lets late subscribers
// reconstruct recent history.
//
// # Storage
//
// Artifacts are stored under the first writable root in a deterministic
// chain: a preferred shared location, then a platform-appropriate
// application support directory, then a process-temporary directory. The
// chain is probed with a real write, and a failed root is never retried
// within the same process.
package modelsync
