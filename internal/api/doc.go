// Package api is the REST client for the gateway's request/response surface.
//
// # Overview
//
// Every response is wrapped in a common envelope:
//
//	{"code": 0, "message": "", "result": { ... }}
//
// A non-zero code is surfaced as *Error and is treated by callers exactly
// like a transport-level failure. The client covers:
//
//   - conversation CRUD and cursor-paginated message history
//     (cursor: before_message_id + page size)
//   - file upload (multipart, with byte-level progress reporting),
//     listing, deletion, and download-URL retrieval
//   - provider API key management (save, list, delete, set default)
//   - stream session token issuing, cached until shortly before the
//     token's JWT expiry
//   - the selectable agent list
package api
