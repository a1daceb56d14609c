// Package syncabletree wires the git-annex external special remote: it turns
// a Config into a storage backend, a protocol session speaking to git-annex
// over stdin and stdout, and a reconciler importing files that were placed
// into the remote store by other means.
//
// # Stores
//
// The store URL selects the backend:
//
//	mem://name                          in-process, for tests
//	disk:///srv/annex-remote            a browsable directory tree
//	s3://host:9000/bucket/prefix        S3-compatible services (MinIO, etc.)
//	aws://bucket/prefix?region=eu-north-1
//	azure://account/container/prefix
//
// Every backend is wrapped with structured logging, trace spans and
// exponential retries of transient errors.
//
// # Serving git-annex
//
//	remote, err := syncabletree.NewRemote(syncabletree.Config{Store: "disk:///srv/annex-remote"})
//	if err != nil { log.Fatal(err) }
//	if err := remote.Serve(ctx, os.Stdin, os.Stdout); err != nil { log.Fatal(err) }
//
// Objects are addressed by content key. The readable path git-annex knows
// the content under travels with each object and is recorded in the annexmap
// document. It is the file .annexmap.json at the root of disk stores and the
// reserved object <prefix>/.annexmap.json inside object stores.
//
// # Importing
//
// OpenReconciler lists objects whose readable path is not in the annexmap,
// downloads them into the work tree, registers them with `git annex add` and
// commits the result.
package syncabletree
