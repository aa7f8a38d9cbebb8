package catalog

import "strings"

// Namespace decides how an endpoint-local tool name is mapped into the
// globally unique catalog name.
type Namespace interface {
	Join(endpointID, toolName string) string
}

// PrefixNamespace prefixes every tool name with its owning endpoint's
// immutable ID. Two endpoints exposing identically named tools therefore
// never collide in the catalog, and renaming an endpoint does not change its
// catalog names.
type PrefixNamespace struct {
	Separator string
}

func (n PrefixNamespace) Join(endpointID, toolName string) string {
	sep := n.Separator
	if sep == "" {
		sep = "_"
	}
	return endpointID + sep + toolName
}

// DefaultNamespace is the `{endpointID}_{toolName}` scheme.
var DefaultNamespace Namespace = PrefixNamespace{Separator: "_"}

// SplitPrefixed is a display helper undoing the default scheme. It splits at
// the first separator; generated endpoint IDs never contain one.
func SplitPrefixed(catalogName string) (endpointID, toolName string, ok bool) {
	i := strings.Index(catalogName, "_")
	if i <= 0 || i == len(catalogName)-1 {
		return "", "", false
	}
	return catalogName[:i], catalogName[i+1:], true
}
