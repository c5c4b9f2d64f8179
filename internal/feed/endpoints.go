package feed

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Endpoints holds the upstream URLs. It is read from a TOML sources file:
//
//	global     = "https://www.blaseball.com/database/feed/global"
//	library    = "https://raw.githubusercontent.com/xSke/blaseball-site-files/main/data/library.json"
//	chapter    = "https://www.blaseball.com/database/feed/story"
//	aggregator = "https://api.sibr.dev/upnuts/gc/ingested"
type Endpoints struct {
	Global     string `toml:"global"`
	Library    string `toml:"library"`
	Chapter    string `toml:"chapter"`
	Aggregator string `toml:"aggregator"`
}

// DefaultEndpoints returns the production upstream URLs.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Global:     "https://www.blaseball.com/database/feed/global",
		Library:    "https://raw.githubusercontent.com/xSke/blaseball-site-files/main/data/library.json",
		Chapter:    "https://www.blaseball.com/database/feed/story",
		Aggregator: "https://api.sibr.dev/upnuts/gc/ingested",
	}
}

// LoadEndpoints reads a sources file. Keys absent from the file keep their
// defaults; an empty path returns the defaults.
func LoadEndpoints(path string) (Endpoints, error) {
	eps := DefaultEndpoints()
	if path == "" {
		return eps, nil
	}
	md, err := toml.DecodeFile(path, &eps)
	if err != nil {
		return Endpoints{}, fmt.Errorf("loading sources file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Endpoints{}, fmt.Errorf("sources file %s: unknown key %q", path, undecoded[0].String())
	}
	return eps, nil
}
