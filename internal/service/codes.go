package service

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeGenerator produces OTP codes and the reference codes shown beside them.
type CodeGenerator interface {
	Code(length int) (string, error)
	Reference() (string, error)
}

type RandomCodes struct{}

func (RandomCodes) Code(length int) (string, error) {
	return randomString("0123456789", length)
}

func (RandomCodes) Reference() (string, error) {
	return randomString(referenceAlphabet, 6)
}

func randomString(alphabet string, length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random code: %w", err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
