// Package auth issues and verifies the bearer tokens that guard the HTTP
// API.
//
// Tokens are HS256-signed JWTs carrying a subject and a role. There is no
// user database: operators mint tokens with `routinecore token` using the
// configured secret, and the API checks the signature, expiry and issuer on
// every request.
//
// Two roles exist:
//   - viewer reads engine state, run history, the catalog and devices
//   - operator may additionally start, pause, resume and stop routines
package auth
