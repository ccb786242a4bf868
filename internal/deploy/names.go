package deploy

import (
	"fmt"
	"math/rand/v2"
)

// Deployment names are drawn from a fixed adjective x noun pool, giving 576
// combinations such as "swift-falcon". Names only need to be unique among
// live deployments; once the pool is effectively exhausted a numeric suffix
// keeps them distinct.

var nameAdjectives = []string{
	"amber", "bold", "brisk", "calm", "clever", "coral",
	"crimson", "dapper", "eager", "gentle", "golden", "jolly",
	"keen", "lively", "mellow", "nimble", "quiet", "rapid",
	"silver", "sunny", "swift", "tidy", "vivid", "witty",
}

var nameNouns = []string{
	"badger", "condor", "cricket", "dolphin", "falcon", "ferret",
	"gecko", "heron", "ibis", "jaguar", "koala", "lemur",
	"lynx", "marmot", "meerkat", "otter", "panda", "puffin",
	"quokka", "raven", "salmon", "tapir", "walrus", "wombat",
}

const namePickAttempts = 100

func randomName() string {
	adj := nameAdjectives[rand.IntN(len(nameAdjectives))]
	noun := nameNouns[rand.IntN(len(nameNouns))]
	return adj + "-" + noun
}

// pickName returns a deployment name not present in taken. After enough
// collisions it falls back to suffixing a counter, so the call always
// succeeds even with every base combination in use.
func pickName(taken map[string]bool) string {
	for i := 0; i < namePickAttempts; i++ {
		name := randomName()
		if !taken[name] {
			return name
		}
	}
	base := randomName()
	for i := 2; ; i++ {
		name := fmt.Sprintf("%s-%d", base, i)
		if !taken[name] {
			return name
		}
	}
}
