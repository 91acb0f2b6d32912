// Package storage is the sqlite persistence layer for reports, runtime
// settings, chat conversation references, and SMS contacts.
//
// The schema is document-shaped: reports keep their tags and acknowledger
// set as JSON columns, settings values are raw JSON. Report inserts are
// atomic on the id (insert-if-absent), which is what makes deduplication of
// concurrently ingested drafts reliable.
package storage
