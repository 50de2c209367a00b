package dom

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

var fingerprintEnc = mustCanonicalEncMode()

func mustCanonicalEncMode() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// fingerprintView leaves out UpdatedAt: touching a row without changing it
// must produce the same fingerprint.
type fingerprintView struct {
	ID           string         `cbor:"1,keyasint"`
	DefinitionID string         `cbor:"2,keyasint"`
	Module       string         `cbor:"3,keyasint"`
	Name         string         `cbor:"4,keyasint"`
	Fields       map[string]any `cbor:"5,keyasint"`
}

// Fingerprint returns "BLAKE2b:<hex>" over the canonical CBOR encoding of the
// instance content.
func Fingerprint(i Instance) (string, error) {
	b, err := fingerprintEnc.Marshal(fingerprintView{
		ID:           i.ID.String(),
		DefinitionID: i.DefinitionID.String(),
		Module:       i.Module,
		Name:         i.Name,
		Fields:       i.Fields,
	})
	if err != nil {
		return "", fmt.Errorf("encode instance %s: %w", i.ID, err)
	}
	sum := blake2b.Sum256(b)
	return "BLAKE2b:" + hex.EncodeToString(sum[:]), nil
}
