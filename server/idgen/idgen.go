// Package idgen mints message ids: 12 bytes of timestamp, node, sequence
// and random data, base32 encoded to 20 lower-case characters that are safe
// as file names.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"lukechampine.com/blake3"
)

var encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)

// Generator produces unique message ids for one process.
type Generator struct {
	node     [3]byte
	sequence atomic.Uint32

	// Now is the timestamp source.
	Now func() time.Time
}

// NewGenerator derives the node part from nodeName, or from random bytes
// when nodeName is empty.
func NewGenerator(nodeName string) *Generator {
	g := &Generator{Now: time.Now}
	if nodeName == "" {
		if _, err := rand.Read(g.node[:]); err == nil {
			return g
		}
		nodeName, _ = os.Hostname()
	}
	sum := blake3.Sum256([]byte(nodeName))
	copy(g.node[:], sum[:3])
	return g
}

// New returns the next id.
func (g *Generator) New() string {
	var id [12]byte
	binary.BigEndian.PutUint32(id[0:4], uint32(g.Now().Unix()))
	copy(id[4:7], g.node[:])
	binary.BigEndian.PutUint16(id[7:9], uint16(g.sequence.Add(1)))
	if _, err := rand.Read(id[9:12]); err != nil {
		binary.BigEndian.PutUint16(id[9:11], uint16(time.Now().UnixNano()))
	}
	return strings.ToLower(encoding.EncodeToString(id[:]))
}

var defaultGenerator = NewGenerator("")

// New returns an id from the process-wide generator.
func New() string {
	return defaultGenerator.New()
}
