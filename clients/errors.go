package clients

// Reason codes attached to trace notes, logs and metrics. They never replace
// the human-readable error returned to the caller.
const (
	// -----------------------------
	// INPUT / NETWORK
	// -----------------------------
	ErrInvalidNetwork = "invalid_network"
	ErrInvalidInput   = "invalid_input"

	// -----------------------------
	// DECODE
	// -----------------------------
	ErrInvalidSvmTransaction = "invalid_svm_transaction"
	ErrInvalidEvmTransaction = "invalid_evm_transaction"

	// -----------------------------
	// FEE PAYER SAFETY
	// -----------------------------
	ErrFeePayerTransferringFunds = "invalid_svm_transaction_fee_payer_transferring_funds"
	ErrFeePayerNotConfigured     = "fee_payer_not_configured"

	// -----------------------------
	// TRANSFER CHECKS
	// -----------------------------
	ErrTransferToIncorrectATA = "invalid_svm_transaction_transfer_to_incorrect_ata"
	ErrTransferMismatch       = "transfer_mismatch"

	// -----------------------------
	// SETTLEMENT ERRORS
	// -----------------------------
	ErrTransactionSignerMissingSignatures    = "transaction_signer_missing_signatures"
	ErrBroadcastFailed                       = "broadcast_failed"
	ErrSettleBlockHeightExceeded             = "settle_svm_block_height_exceeded"
	ErrSettleTransactionConfirmationTimedOut = "settle_transaction_confirmation_timed_out"
	ErrConfirmationFailed                    = "settle_confirmation_failed"
	ErrSettledTransactionFailed              = "settled_transaction_failed"
	ErrSettledTransactionMismatch            = "settled_transaction_mismatch"
	ErrUnexpectedSettleError                 = "unexpected_settle_error"
)
