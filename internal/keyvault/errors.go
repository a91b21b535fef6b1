package keyvault

import "errors"

// Failure taxonomy for the KeyVault component.
var (
	ErrKeyNotInitialized = errors.New("keyvault: master key not initialized")
	ErrDecryptionFailed  = errors.New("keyvault: decryption failed")
	ErrUnsupportedScheme = errors.New("keyvault: unsupported signature scheme")
)
