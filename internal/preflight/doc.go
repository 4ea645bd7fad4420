// Package preflight provides the readiness checks a batch run performs before
// the external engine is started.
//
// These checks run in two contexts:
//   - The pipeline coordinator calls Checker.CheckDiskSpace after staging. An
//     insufficient result aborts the run before any engine time is spent.
//   - The CLI "batchscale check" command calls RunAll to display directory
//     access, external binaries, and free space on the output filesystem.
//
// Disk-space queries that fail are reported but never block a run.
package preflight
