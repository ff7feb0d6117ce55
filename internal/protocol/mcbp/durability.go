package mcbp

import "fmt"

// DurabilityLevel is the level byte of a DurabilityRequirement frame
// info element.
type DurabilityLevel uint8

const (
	DurabilityMajority                   DurabilityLevel = 0x01
	DurabilityMajorityAndPersistOnMaster DurabilityLevel = 0x02
	DurabilityPersistToMajority          DurabilityLevel = 0x03
)

// IsValid reports whether the level is one of the defined levels.
// Level zero and levels above three are rejected with
// durability_invalid_level.
func (l DurabilityLevel) IsValid() bool {
	return l >= DurabilityMajority && l <= DurabilityPersistToMajority
}

func (l DurabilityLevel) String() string {
	switch l {
	case DurabilityMajority:
		return "Majority"
	case DurabilityMajorityAndPersistOnMaster:
		return "MajorityAndPersistOnMaster"
	case DurabilityPersistToMajority:
		return "PersistToMajority"
	}
	return fmt.Sprintf("DurabilityLevel(%d)", uint8(l))
}

// DurabilityRequirements is the decoded DurabilityRequirement frame
// info payload: the level, optionally followed by a timeout in
// milliseconds.
type DurabilityRequirements struct {
	Level DurabilityLevel
	// TimeoutMs is zero when the one-byte form was used, meaning the
	// engine default timeout applies.
	TimeoutMs uint16
}

// ParseDurabilityRequirements decodes the payload of a
// DurabilityRequirement frame info element. Only the one-byte (level)
// and three-byte (level plus big-endian timeout) forms are legal.
func ParseDurabilityRequirements(data []byte) (DurabilityRequirements, error) {
	switch len(data) {
	case 1:
		return DurabilityRequirements{Level: DurabilityLevel(data[0])}, nil
	case 3:
		return DurabilityRequirements{
			Level:     DurabilityLevel(data[0]),
			TimeoutMs: uint16(data[1])<<8 | uint16(data[2]),
		}, nil
	}
	return DurabilityRequirements{}, fmt.Errorf("mcbp: durability requirement must be 1 or 3 bytes, got %d", len(data))
}
