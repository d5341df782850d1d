package ids

import (
	"strconv"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type Kind string

const (
	KindTenant          Kind = "bten"
	KindProvider        Kind = "bpro"
	KindRuntime         Kind = "brtm"
	KindFunction        Kind = "bfnc"
	KindFunctionVersion Kind = "bfv"
	KindDeployment      Kind = "bfd"
	KindDeploymentStep  Kind = "bfds"
	KindInvocation      Kind = "bfi"
	KindBundle          Kind = "bfb"
)

const (
	lowerAlnum   = "abcdefghijklmnopqrstuvwxyz0123456789"
	sortWidth    = 13
	randomSuffix = 8
)

// New returns a public id for kind: prefix, a fixed-width base36 snowflake
// and a random suffix. Ids of one kind sort by creation time.
func (g *Generator) New(kind Kind) string {
	id, _ := g.NewWithOid(kind)
	return id
}

// NewWithOid mints a snowflake and the public id built from it.
func (g *Generator) NewWithOid(kind Kind) (string, int64) {
	oid := g.NextID()
	return PublicID(kind, oid), oid
}

// PublicID builds the public id for an already minted snowflake.
func PublicID(kind Kind, oid int64) string {
	encoded := strconv.FormatInt(oid, 36)
	if pad := sortWidth - len(encoded); pad > 0 {
		encoded = strings.Repeat("0", pad) + encoded
	}
	return string(kind) + "_" + encoded + PlainID(randomSuffix)
}

// KindOf returns the prefix of a public id, or "" if it has none.
func KindOf(id string) Kind {
	prefix, _, ok := strings.Cut(id, "_")
	if !ok {
		return ""
	}
	return Kind(prefix)
}

// PlainID returns n lowercase alphanumeric characters.
func PlainID(n int) string {
	return gonanoid.MustGenerate(lowerAlnum, n)
}
