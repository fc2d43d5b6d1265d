// Package prescription implements the prescription identifier scheme and the
// capability strings (access code, secret) that gate task operations.
package prescription

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// FlowType identifies the prescription category and forms the leading digit
// block of every prescription ID.
type FlowType int

const (
	// FlowTypePharmaceuticalDrugs is an outpatient prescription for
	// apothekenpflichtige Arzneimittel.
	FlowTypePharmaceuticalDrugs FlowType = 160
)

var knownFlowTypes = map[FlowType]bool{
	FlowTypePharmaceuticalDrugs: true,
}

// ParseFlowType validates a flow type code.
func ParseFlowType(code string) (FlowType, error) {
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0, fmt.Errorf("invalid flow type %q", code)
	}
	ft := FlowType(n)
	if !knownFlowTypes[ft] {
		return 0, fmt.Errorf("unknown flow type %q", code)
	}
	return ft, nil
}

// ID is a prescription identifier: flow type, a 12 digit number and an
// ISO/IEC 7064 MOD 97-10 check over the concatenated digits.
type ID struct {
	FlowType FlowType
	Number   uint64
}

var idPattern = regexp.MustCompile(`^(\d{3})\.(\d{3})\.(\d{3})\.(\d{3})\.(\d{3})\.(\d{2})$`)

// GenerateID mints a random prescription ID for the flow type.
func GenerateID(flowType FlowType) (ID, error) {
	max := big.NewInt(1_000_000_000_000) // 12 decimal digits
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return ID{}, fmt.Errorf("failed to generate prescription number: %w", err)
	}
	return ID{FlowType: flowType, Number: n.Uint64()}, nil
}

// ParseID parses and checksums a prescription ID string.
func ParseID(s string) (ID, error) {
	m := idPattern.FindStringSubmatch(s)
	if m == nil {
		return ID{}, fmt.Errorf("invalid prescription ID format: %q", s)
	}

	blocks := make([]uint64, 6)
	for i, part := range m[1:] {
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return ID{}, fmt.Errorf("invalid prescription ID: %w", err)
		}
		blocks[i] = n
	}

	flowType := FlowType(blocks[0])
	if !knownFlowTypes[flowType] {
		return ID{}, fmt.Errorf("unknown flow type in prescription ID %q", s)
	}

	number := blocks[1]*1_000_000_000 + blocks[2]*1_000_000 + blocks[3]*1_000 + blocks[4]
	checksum := blocks[5]

	if !verifyMod97(uint64(flowType)*100_000_000_000_000+number*100+checksum) {
		return ID{}, fmt.Errorf("invalid checksum in prescription ID %q", s)
	}

	return ID{FlowType: flowType, Number: number}, nil
}

func (id ID) String() string {
	value := uint64(id.FlowType)*1_000_000_000_000 + id.Number
	checksum := mod97Checksum(value)

	return fmt.Sprintf("%03d.%03d.%03d.%03d.%03d.%02d",
		id.FlowType,
		id.Number/1_000_000_000%1_000,
		id.Number/1_000_000%1_000,
		id.Number/1_000%1_000,
		id.Number%1_000,
		checksum,
	)
}

// Digits returns the digit stream without dots, including the check digits.
func (id ID) Digits() string {
	return strings.ReplaceAll(id.String(), ".", "")
}

// mod97Checksum computes the ISO/IEC 7064 MOD 97-10 check digits for the
// given digit value.
func mod97Checksum(value uint64) uint64 {
	return 98 - (value*100)%97
}

func verifyMod97(value uint64) bool {
	return value%97 == 1
}
