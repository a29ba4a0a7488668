// Package auth provides JWT token issue/verify and HTTP middleware.
//
// Tokens are HS256 JWTs whose "sub" claim carries the account id. The
// middleware loads the account on every request and rejects anything that is
// not in the approved state, so suspension takes effect on the next request
// even while a token is still formally valid.
package auth
