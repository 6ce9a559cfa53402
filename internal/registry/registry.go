// Package registry maps domain extensions to the registrar rules the
// negotiation bot quotes when walking a seller through a push or transfer.
// Adding a registrar is a data change here, not a code change elsewhere.
package registry

import (
	"sort"
	"strings"
)

type Registrar struct {
	Name                  string `json:"name"`
	UnlockRequiredForPush bool   `json:"unlock_required_for_push"`
	MarketplaceUsername   string `json:"marketplace_username"`
	PushMenuPath          string `json:"push_menu_path"`
	Notes                 string `json:"notes"`
}

var namecheap = Registrar{
	Name:                "Namecheap",
	MarketplaceUsername: "dngun_marketplace_namecheap",
	PushMenuPath:        "Domain List -> Manage -> Sharing & Transfer -> Change Ownership",
	Notes:               "Pushes complete within minutes; domain can stay locked.",
}

var byExtension = map[string]Registrar{
	".com": namecheap,
	".net": namecheap,
	".org": namecheap,
	".io": {
		Name:                "NameSilo",
		MarketplaceUsername: "dngun_marketplace_namesilo",
		PushMenuPath:        "Domain Manager -> Transfer -> Push Domain",
		Notes:               "Receiving account must accept the push within 7 days.",
	},
	".co": {
		Name:                  "GoDaddy",
		UnlockRequiredForPush: true,
		MarketplaceUsername:   "dngun_marketplace_godaddy",
		PushMenuPath:          "My Products -> Domains -> Transfer to another GoDaddy account",
		Notes:                 "GoDaddy requires the domain unlocked even for account changes.",
	},
}

// Lookup returns the registrar rules for a domain extension. Unknown
// extensions fall back to Namecheap, matching the marketplace's default
// registrar.
func Lookup(extension string) Registrar {
	ext := strings.ToLower(strings.TrimSpace(extension))
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if r, ok := byExtension[ext]; ok {
		return r
	}
	return namecheap
}

// Extensions lists every extension with an explicit table entry.
func Extensions() []string {
	out := make([]string, 0, len(byExtension))
	for ext := range byExtension {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// All returns a copy of the extension table.
func All() map[string]Registrar {
	out := make(map[string]Registrar, len(byExtension))
	for ext, r := range byExtension {
		out[ext] = r
	}
	return out
}
