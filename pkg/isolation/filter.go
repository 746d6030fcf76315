package isolation

import (
	"strings"

	"github.com/polisai/fetchgate/pkg/domain"
	"github.com/polisai/fetchgate/pkg/storage"
)

// DataKind selects categories of silo state.
type DataKind uint8

const (
	DataCredentials DataKind = 1 << iota
	DataCache
	DataAuth

	DataAll = DataCredentials | DataCache | DataAuth
)

func (k DataKind) has(kind storage.Kind) bool {
	switch kind {
	case storage.KindCredentials:
		return k&DataCredentials != 0
	case storage.KindCache:
		return k&DataCache != 0
	case storage.KindAuth:
		return k&DataAuth != 0
	}
	return false
}

func (k DataKind) String() string {
	var parts []string
	if k&DataCredentials != 0 {
		parts = append(parts, "credentials")
	}
	if k&DataCache != 0 {
		parts = append(parts, "cache")
	}
	if k&DataAuth != 0 {
		parts = append(parts, "auth")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseDataKinds parses a list such as ["credentials", "cache"]. An empty list
// selects everything.
func ParseDataKinds(names []string) (DataKind, error) {
	if len(names) == 0 {
		return DataAll, nil
	}
	var k DataKind
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "credentials", "cookies":
			k |= DataCredentials
		case "cache":
			k |= DataCache
		case "auth":
			k |= DataAuth
		case "all":
			k |= DataAll
		default:
			return 0, domain.NewError(domain.ErrInvalidRequest, "unknown data kind %q", name)
		}
	}
	return k, nil
}

// OriginMode says how ClearFilter.Origins is applied.
type OriginMode int

const (
	// DeleteMatching removes entries whose origin is listed.
	DeleteMatching OriginMode = iota
	// KeepMatching removes entries whose origin is not listed.
	KeepMatching
)

// ClearFilter selects entries for Registry.Clear. Empty Origins selects every
// origin regardless of Mode.
type ClearFilter struct {
	Kinds   DataKind
	Origins []string
	Mode    OriginMode
}

// Validate rejects filters that select no kind.
func (f ClearFilter) Validate() error {
	if f.Kinds&DataAll == 0 {
		return domain.NewError(domain.ErrInvalidRequest, "clear filter selects no data kind")
	}
	if f.Mode != DeleteMatching && f.Mode != KeepMatching {
		return domain.NewError(domain.ErrInvalidRequest, "unknown origin mode %d", f.Mode)
	}
	return nil
}

func (f ClearFilter) matcher() func(storage.Entry) bool {
	if len(f.Origins) == 0 {
		return func(storage.Entry) bool { return true }
	}
	listed := make(map[string]struct{}, len(f.Origins))
	for _, o := range f.Origins {
		listed[normalizeOrigin(o)] = struct{}{}
	}
	keep := f.Mode == KeepMatching
	return func(e storage.Entry) bool {
		_, ok := listed[e.Origin]
		return ok != keep
	}
}

func normalizeOrigin(s string) string {
	o, err := domain.ParseOrigin(s)
	if err != nil {
		return s
	}
	return o.String()
}
