package common

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EntropySourceError is returned when the randomness source fails. Fatal.
type EntropySourceError struct {
	Cause error
}

func (e *EntropySourceError) Error() string {
	return fmt.Sprintf("entropy source unavailable: %v", e.Cause)
}

func (e *EntropySourceError) Unwrap() error { return e.Cause }

// InvalidChainIdError is returned for a chain id missing from the registry.
type InvalidChainIdError struct {
	ChainID UniversalChainID
}

func (e *InvalidChainIdError) Error() string {
	return fmt.Sprintf("unknown chain id %q", string(e.ChainID))
}

type UnknownAssetError struct {
	ChainID UniversalChainID
	Asset   common.Address
}

func (e *UnknownAssetError) Error() string {
	return fmt.Sprintf("no zAsset registered for %s on %s", e.Asset.Hex(), e.ChainID)
}

// RegressionError is returned when a light client update does not move the verified height forward.
type RegressionError struct {
	ClientID uint32
	Height   uint64
	Current  uint64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("light client %d: height %d does not advance verified height %d", e.ClientID, e.Height, e.Current)
}

type ProofErrorCode string

const (
	ProofErrInsufficientBalance ProofErrorCode = "INSUFFICIENT_BALANCE"
	ProofErrProverUnavailable   ProofErrorCode = "PROVER_UNAVAILABLE"
	ProofErrProverRejected      ProofErrorCode = "PROVER_REJECTED"
	ProofErrMalformedStateProof ProofErrorCode = "MALFORMED_STATE_PROOF"
	ProofErrInvalidWitness      ProofErrorCode = "INVALID_WITNESS"
)

type ProofGenerationError struct {
	Code    ProofErrorCode
	Message string
	Cause   error
}

func (e *ProofGenerationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("proof generation failed [%s]: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("proof generation failed [%s]: %s", e.Code, e.Message)
}

func (e *ProofGenerationError) Unwrap() error { return e.Cause }

func NewProofGenerationError(code ProofErrorCode, msg string, cause error) *ProofGenerationError {
	return &ProofGenerationError{Code: code, Message: msg, Cause: cause}
}

// StaleStateError means the state proof and the light client disagree on height.
// Retry after updating the light client or waiting for confirmations.
type StaleStateError struct {
	ProofHeight    uint64
	VerifiedHeight uint64
	Reason         string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state: proof height %d, verified height %d: %s", e.ProofHeight, e.VerifiedHeight, e.Reason)
}

// AttestationMismatchError indicates a corrupted or forged attestation. Never retried.
type AttestationMismatchError struct {
	Reason string
}

func (e *AttestationMismatchError) Error() string {
	return "attestation mismatch: " + e.Reason
}

// AlreadyRedeemedError is returned when the nullifier has been spent. Never retried.
type AlreadyRedeemedError struct {
	Nullifier string
}

func (e *AlreadyRedeemedError) Error() string {
	return fmt.Sprintf("nullifier %s already redeemed", e.Nullifier)
}

// TransientError wraps network failures and timeouts of external calls.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

func NewTransientError(op string, cause error) *TransientError {
	return &TransientError{Op: op, Cause: cause}
}

// IsRetryable reports whether err may succeed if attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		already   *AlreadyRedeemedError
		mismatch  *AttestationMismatchError
		entropy   *EntropySourceError
		chainID   *InvalidChainIdError
		asset     *UnknownAssetError
		regressed *RegressionError
		proofErr  *ProofGenerationError
		stale     *StaleStateError
		transient *TransientError
	)

	switch {
	case errors.As(err, &already), errors.As(err, &mismatch), errors.As(err, &entropy),
		errors.As(err, &chainID), errors.As(err, &asset), errors.As(err, &regressed):
		return false
	case errors.As(err, &proofErr):
		return proofErr.Code != ProofErrInvalidWitness && proofErr.Code != ProofErrProverRejected
	case errors.As(err, &stale), errors.As(err, &transient):
		return true
	}
	return false
}
