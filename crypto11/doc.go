// Package crypto11 provides custody of secp256k1 key pairs stored on
// PKCS#11 cryptographic devices such as Hardware Security Modules (HSMs).
//
// The package implements:
//   - Slot discovery and label lookup
//   - Retained logged-in sessions per slot, and scoped per-operation sessions
//   - Key pair generation, labelled with the derived Ethereum address
//   - Address enumeration, lookup and deletion
//   - Reconciliation of key pairs left without an address label
//
// Private keys are generated on the device as non-extractable,
// only the public point leaves the token.
//
// Operations on the same slot are serialized by HSMCrypto,
// operations on different slots run independently.
package crypto11
