package institution

import "time"

const (
	// PoolSize is the number of secret codes every institution holds after a
	// rotation.
	PoolSize = 6
	// CodeLength is the length of a secret code value.
	CodeLength = 6
	// CodeAlphabet lists the characters a code is drawn from.
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Institution owns a rotating pool of secret codes.
type Institution struct {
	ID        string    `json:"id" db:"id"`
	Code      string    `json:"code" db:"code"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SecretCode is one credential in an institution's pool. It has no existence
// outside that pool.
type SecretCode struct {
	ID            string    `json:"id" db:"id"`
	InstitutionID string    `json:"-" db:"institution_id"`
	Value         string    `json:"code" db:"value"`
	GeneratedAt   time.Time `json:"generated_at" db:"generated_at"`
}

// WithCodes pairs an institution with its current pool.
type WithCodes struct {
	Institution
	Secrets []SecretCode `json:"secrets"`
}
