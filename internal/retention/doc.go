// Package retention decides what happens to a term log file once its
// publication is deleted: remove it, copy its frames into the archive, or
// leave it on disk. Decisions come from a CEL expression such as
//
//	route == "inbound" && length > 0 ? "archive" : "delete"
package retention
