package authkit

import "errors"

var (
	// ErrInvalidCredential indicates a password (or linked external identity) did not match.
	ErrInvalidCredential = errors.New("auth.invalid_credential")
	// ErrNotFound indicates no identity matched the supplied login.
	ErrNotFound = errors.New("auth.not_found")
	// ErrUnprovisionedAccount indicates an external login for an identity an administrator never created.
	ErrUnprovisionedAccount = errors.New("auth.unprovisioned_account")
	// ErrInvalidToken indicates a malformed, expired, or unverifiable token.
	ErrInvalidToken = errors.New("auth.invalid_token")
	// ErrTokenReuseDetected indicates a refresh token that no longer matches the persisted digest.
	ErrTokenReuseDetected = errors.New("auth.token_reuse_detected")
	// ErrUnauthenticated indicates the request carried no token at all.
	ErrUnauthenticated = errors.New("auth.unauthenticated")
	// ErrForbidden indicates the caller's role is not in the allowed set.
	ErrForbidden = errors.New("auth.forbidden")
	// ErrUnavailable indicates the durable store could not be reached within its timeout.
	ErrUnavailable = errors.New("auth.unavailable")
	// ErrInvalidInput indicates a request failed validation before reaching the store.
	ErrInvalidInput = errors.New("auth.invalid_input")
)

var (
	// ErrIdentityNotFound is returned by credential stores when no record matches.
	ErrIdentityNotFound = errors.New("credential_store.not_found")
	// ErrIdentityExists is returned when a unique field (username, email, external id) is taken.
	ErrIdentityExists = errors.New("credential_store.exists")
	// ErrRefreshDigestConflict is returned when a compare-and-swap observed a different digest.
	ErrRefreshDigestConflict = errors.New("credential_store.refresh_digest_conflict")
	// ErrExternalIDAlreadyLinked is returned when linking an identity that already carries an external id.
	ErrExternalIDAlreadyLinked = errors.New("credential_store.external_id_linked")
	// ErrInvalidRole is returned when a role value is outside the closed enumeration.
	ErrInvalidRole = errors.New("identity.invalid_role")
)

var (
	// ErrTokenExpired indicates the token is past its expiry.
	ErrTokenExpired = errors.New("token_codec.expired")
	// ErrTokenMalformed indicates the signature or structure did not validate.
	ErrTokenMalformed = errors.New("token_codec.malformed")
)
