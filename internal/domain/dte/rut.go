package dte

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// AuthorityRUT identifies the tax authority as receiver of every envelope
	AuthorityRUT = "60803000-K"
	// GenericReceiverRUT is used on receipts issued to an unidentified consumer
	GenericReceiverRUT = "66666666-6"
	// GenericReceiverName accompanies GenericReceiverRUT
	GenericReceiverName = "Cliente Genérico"
)

// RUTCheckDigit computes the mod-11 verifier of a RUT body
func RUTCheckDigit(body int64) string {
	sum := int64(0)
	multiplier := int64(2)
	for n := body; n > 0; n /= 10 {
		sum += (n % 10) * multiplier
		multiplier++
		if multiplier > 7 {
			multiplier = 2
		}
	}
	switch dv := 11 - sum%11; dv {
	case 11:
		return "0"
	case 10:
		return "K"
	default:
		return strconv.FormatInt(dv, 10)
	}
}

// NormalizeRUT strips dots and spaces, upper-cases the verifier and checks it.
// The result has the form NNNNNNNN-D.
func NormalizeRUT(raw string) (string, error) {
	cleaned := strings.ToUpper(strings.NewReplacer(".", "", " ", "").Replace(strings.TrimSpace(raw)))
	body, dv, found := strings.Cut(cleaned, "-")
	if !found {
		if len(cleaned) < 2 {
			return "", fmt.Errorf("invalid RUT %q", raw)
		}
		body, dv = cleaned[:len(cleaned)-1], cleaned[len(cleaned)-1:]
	}
	if body == "" || len(dv) != 1 {
		return "", fmt.Errorf("invalid RUT %q", raw)
	}
	n, err := strconv.ParseInt(body, 10, 64)
	if err != nil || n <= 0 {
		return "", fmt.Errorf("invalid RUT %q", raw)
	}
	if RUTCheckDigit(n) != dv {
		return "", fmt.Errorf("invalid RUT check digit %q", raw)
	}
	return fmt.Sprintf("%d-%s", n, dv), nil
}

// IsValidRUT reports whether raw is a well-formed RUT with a correct verifier
func IsValidRUT(raw string) bool {
	_, err := NormalizeRUT(raw)
	return err == nil
}

// SplitRUT returns the numeric body and verifier of a RUT
func SplitRUT(raw string) (string, string, error) {
	normalized, err := NormalizeRUT(raw)
	if err != nil {
		return "", "", err
	}
	body, dv, _ := strings.Cut(normalized, "-")
	return body, dv, nil
}
