package fixtures

import (
	_ "embed"
	"encoding/hex"
	"strings"
)

//go:embed config/config.yaml.template
var ConfigTemplate []byte

//go:embed blobs/block.hex
var blockHex string

// Block returns a fixed 76 byte block hashing blob.
func Block() []byte {
	b, err := hex.DecodeString(strings.TrimSpace(blockHex))
	if err != nil {
		panic("fixtures: malformed block.hex: " + err.Error())
	}
	return b
}
