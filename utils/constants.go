package utils

import "time"

// Delivery defaults
const (
	// DefaultDeliveryAttempts is the number of gateway attempts per recipient
	DefaultDeliveryAttempts = 3

	// DefaultAttemptTimeout is the hard ceiling of a single gateway attempt
	DefaultAttemptTimeout = 45 * time.Second

	// DefaultRetryDelay is the pause between two attempts for the same recipient
	DefaultRetryDelay = 2 * time.Second

	// ErrorMessageMaxLength bounds the stored failure reason of a contact row
	ErrorMessageMaxLength = 500

	// DefaultOutcomeWriteAttempts bounds the writes of one delivery outcome
	DefaultOutcomeWriteAttempts = 3

	// DefaultOutcomeWriteDelay is the pause between two outcome writes
	DefaultOutcomeWriteDelay = time.Second
)

// Scheduling defaults
const (
	// DefaultTickInterval is how often the scheduler looks for campaigns needing a worker
	DefaultTickInterval = time.Minute

	// DefaultErrorCooldown is the pause after a failed loop iteration
	DefaultErrorCooldown = 30 * time.Second

	// DefaultStaleClaimAfter bounds how long a contact may stay in sending
	DefaultStaleClaimAfter = 15 * time.Minute
)

// Skip and failure reasons written to contact rows
const (
	ReasonDuplicateRecipient = "duplicate recipient"
	ReasonInterrupted        = "interrupted during delivery"
	ReasonInvalidPhone       = "invalid phone number"
)
