// Package identifier implements the canonical 8-segment identifier grammar
// (§6): `VV-G-LLL-SSSS-T-YYMM-C-XX`. The resolver calls an external minting
// service for normal operation; this package is the fallback generator used
// when minting fails, and the parser used to validate any id (minted or
// fallback) before it is persisted.
package identifier

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// EntityType is the T segment. Context entities always mint P (Person);
// the other codes exist in the grammar for other ChittyOS id consumers but
// are never produced by this broker (Open Question #3).
type EntityType string

const (
	EntityPerson      EntityType = "P"
	EntityLegalEntity EntityType = "L"
	EntityTrust       EntityType = "T"
	EntityEstate      EntityType = "E"
	EntityAsset       EntityType = "A"
)

var validEntityTypes = map[EntityType]bool{
	EntityPerson: true, EntityLegalEntity: true, EntityTrust: true, EntityEstate: true, EntityAsset: true,
}

var grammar = regexp.MustCompile(`^([A-Z0-9]{2})-([A-Z0-9])-([A-Z0-9]{3})-([A-Z0-9]{4})-([PLTEA])-(\d{4})-([A-Z0-9])-([A-Z0-9]{2})$`)

// ID is a parsed canonical identifier.
type ID struct {
	Version      string // VV
	Geography    string // G
	Location     string // LLL
	Sequence     string // SSSS
	Type         EntityType
	YearMonth    string // YYMM
	CheckDigit   string // C
	Extension    string // XX
}

// String renders the id back to its dash-separated form.
func (id ID) String() string {
	return strings.Join([]string{id.Version, id.Geography, id.Location, id.Sequence,
		string(id.Type), id.YearMonth, id.CheckDigit, id.Extension}, "-")
}

// Parse validates raw against the grammar and decomposes it.
func Parse(raw string) (ID, error) {
	m := grammar.FindStringSubmatch(strings.ToUpper(raw))
	if m == nil {
		return ID{}, fmt.Errorf("identifier: %q does not match grammar VV-G-LLL-SSSS-T-YYMM-C-XX", raw)
	}
	id := ID{
		Version: m[1], Geography: m[2], Location: m[3], Sequence: m[4],
		Type: EntityType(m[5]), YearMonth: m[6], CheckDigit: m[7], Extension: m[8],
	}
	if !validEntityTypes[id.Type] {
		return ID{}, fmt.Errorf("identifier: unknown entity type %q", id.Type)
	}
	return id, nil
}

// GenerateFallback mints a locally-generated id for when the minting service
// is unreachable (§4.D "On mint failure, generate a fallback local id
// following the documented identifier grammar; mark unsigned=true"). Context
// entities always use EntityPerson.
func GenerateFallback(now time.Time) (ID, error) {
	location, err := randomAlnum(3)
	if err != nil {
		return ID{}, err
	}
	sequence, err := randomAlnum(4)
	if err != nil {
		return ID{}, err
	}
	geo, err := randomAlnum(1)
	if err != nil {
		return ID{}, err
	}
	ext, err := randomAlnum(2)
	if err != nil {
		return ID{}, err
	}

	id := ID{
		Version:   "FB", // Fallback marker distinguishes locally-generated ids at a glance.
		Geography: geo,
		Location:  location,
		Sequence:  sequence,
		Type:      EntityPerson,
		YearMonth: now.Format("0601"),
		Extension: ext,
	}
	id.CheckDigit = checkDigit(id)
	return id, nil
}

// checkDigit is a simple mod-36 checksum (sum of code points) over the
// preceding segments, independent of the minting service's (undisclosed)
// checksum algorithm. It catches most single-character substitutions but not
// those between characters whose code points differ by a multiple of 36
// (e.g. '0' and 'T'), nor transpositions.
func checkDigit(id ID) string {
	const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	sum := 0
	for _, s := range []string{id.Version, id.Geography, id.Location, id.Sequence, string(id.Type), id.YearMonth} {
		for _, r := range s {
			sum += int(r)
		}
	}
	return string(alphabet[sum%36])
}

func randomAlnum(n int) (string, error) {
	const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("identifier: generate random segment: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
