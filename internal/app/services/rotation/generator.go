package rotation

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/R3E-Network/riskledger/internal/app/domain/institution"
)

// Generator produces secret code values.
type Generator interface {
	Generate() (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() (string, error)

func (f GeneratorFunc) Generate() (string, error) { return f() }

// RandomGenerator draws CodeLength characters uniformly from CodeAlphabet
// using crypto/rand.
type RandomGenerator struct{}

var alphabetSize = big.NewInt(int64(len(institution.CodeAlphabet)))

func (RandomGenerator) Generate() (string, error) {
	buf := make([]byte, institution.CodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("read randomness: %w", err)
		}
		buf[i] = institution.CodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
