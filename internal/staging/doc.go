// Package staging populates the flat working input directory the external
// engine reads from.
//
// A Source is either a directory (walked recursively) or an explicit list of
// files. Only files with a supported image extension are copied; everything
// else is counted and ignored. Nested files are flattened into the working
// directory, with StagedFile.RelDir remembering where each came from so
// post-processing can restore the tree on placement.
package staging
