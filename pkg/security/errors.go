package security

import "errors"

// TLS 错误
var (
	ErrCertFileEmpty = errors.New("security: cert file is empty")
	ErrKeyFileEmpty  = errors.New("security: key file is empty")
	ErrCertLoad      = errors.New("security: failed to load certificate")
	ErrCALoad        = errors.New("security: failed to load CA certificate")
	ErrCAAppend      = errors.New("security: failed to append CA certificate")
	ErrCertGenerate  = errors.New("security: failed to generate self-signed certificate")
)

// JWT 错误
var (
	ErrSecretKeyEmpty    = errors.New("security: secret key is empty")
	ErrTokenMissing      = errors.New("security: token is missing")
	ErrTokenInvalid      = errors.New("security: token is invalid")
	ErrTokenExpired      = errors.New("security: token has expired")
	ErrTokenMalformed    = errors.New("security: token is malformed")
	ErrSignatureInvalid  = errors.New("security: signature is invalid")
	ErrAlgorithmMismatch = errors.New("security: algorithm mismatch")
	ErrSubjectMissing    = errors.New("security: token subject is missing")
)
