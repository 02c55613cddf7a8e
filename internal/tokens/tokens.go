package tokens

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names a token role in the points program.
type Kind string

const (
	Trade  Kind = "trade"
	Stable Kind = "stable"
	Native Kind = "native"
)

// Canonical deployment addresses. They back up configured values so a
// malformed environment cannot silently drop boosted-pair detection.
var canonical = map[Kind][]string{
	Trade:  {"0x7ab2e6d4d5a3b9c3a1f2e1d0c9b8a7f6e5d4c3b2"},
	Stable: {"0x2d8f8a1b3c4e5f60718293a4b5c6d7e8f9a0b1c2"},
	Native: {"0x4200000000000000000000000000000000000006"},
}

// Info describes a token the core knows about up front.
type Info struct {
	Address  string
	Symbol   string
	Decimals int
}

// Registry resolves configured and canonical token addresses.
type Registry struct {
	configured map[Kind]Info
}

// NewRegistry builds a registry from configured token infos. Entries with
// malformed addresses fall back to the canonical address for their kind.
func NewRegistry(trade, stable, native Info) *Registry {
	r := &Registry{configured: make(map[Kind]Info, 3)}
	for kind, info := range map[Kind]Info{Trade: trade, Stable: stable, Native: native} {
		addr := Normalize(info.Address)
		if addr == "" {
			addr = canonical[kind][0]
		}
		info.Address = addr
		r.configured[kind] = info
	}
	return r
}

// Address returns the effective address for kind.
func (r *Registry) Address(kind Kind) string {
	return r.configured[kind].Address
}

// Info returns the effective token info for kind.
func (r *Registry) Info(kind Kind) Info {
	return r.configured[kind]
}

// Is reports whether addr is the token of the given kind, by configured or
// canonical address.
func (r *Registry) Is(kind Kind, addr string) bool {
	a := Normalize(addr)
	if a == "" {
		return false
	}
	if info, ok := r.configured[kind]; ok && info.Address == a {
		return true
	}
	for _, c := range canonical[kind] {
		if c == a {
			return true
		}
	}
	return false
}

// Known returns decimals for every configured token keyed by address.
func (r *Registry) Known() map[string]Info {
	out := make(map[string]Info, len(r.configured))
	for _, info := range r.configured {
		out[info.Address] = info
	}
	return out
}

// Addresses lists the configured token addresses.
func (r *Registry) Addresses() []string {
	return []string{r.Address(Trade), r.Address(Stable), r.Address(Native)}
}

// Normalize lower-cases a hex address, returning "" for anything malformed.
func Normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return ""
	}
	return strings.ToLower(common.HexToAddress(addr).Hex())
}
