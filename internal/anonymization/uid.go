// Package anonymization issues and resolves pseudonym mappings between
// original and anonymized patient identifiers, at patient, study, series
// and image granularity.
package anonymization

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NewUID returns a fresh DICOM-valid UID under the 2.25 UUID root: the
// canonical decimal rendering of a random 128-bit UUID, at most 44
// characters and so always within DICOM's 64-character bound.
func NewUID() string {
	u := uuid.New()
	n := new(big.Int).SetBytes(u[:])
	return "2.25." + n.String()
}

// NewPatientName synthesizes a demographically plausible anonymized patient
// name from the original's sex and age, e.g. "Anonymous M 040-049". Unknown
// inputs degrade to plain "Anonymous".
func NewPatientName(sex, age string) string {
	parts := []string{"Anonymous"}
	switch strings.TrimSpace(sex) {
	case "M", "F", "O":
		parts = append(parts, strings.TrimSpace(sex))
	}
	if bucket := ageBucket(age); bucket != "" {
		parts = append(parts, bucket)
	}
	return strings.Join(parts, " ")
}

// ageBucket maps a DICOM age string ("045Y", "006M"...) to a ten-year
// bucket. Ages under a year bucket to "000-009".
func ageBucket(age string) string {
	age = strings.TrimSpace(age)
	if len(age) < 2 {
		return ""
	}
	digits := age
	unit := byte('Y')
	if last := age[len(age)-1]; last < '0' || last > '9' {
		digits = age[:len(age)-1]
		unit = last
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return ""
	}
	years := n
	switch unit {
	case 'D', 'W', 'M':
		years = 0
	}
	low := (years / 10) * 10
	return fmt.Sprintf("%03d-%03d", low, low+9)
}
