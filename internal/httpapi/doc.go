// Package httpapi exposes the session store contract and the change feed
// over HTTP, and provides a Client that implements session.Store against it.
//
// Access rules:
//   - participants (no token) may create records, read a record by id or
//     recovery token, apply non-judgment patches, and follow one record's feed
//   - moderators (valid token, active account) may also list, apply
//     judgment patches, run bulk updates and follow the full feed
//   - privileged moderators (super_admin) may also block and delete
//
// Recovery tokens are only returned by create and token lookup responses.
package httpapi
