// Package repair rewrites damaged PDFs so extraction can be retried.
//
// Ghostscript re-distills the file; Repairer archives the original under the
// library's originals directory and swaps the cleaned copy into place.
package repair
