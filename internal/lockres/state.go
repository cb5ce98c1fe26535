package lockres

import "strings"

// State classifies one watched lock file.
type State int

const (
	// Free means the lock file does not exist.
	Free State = iota
	// HeldByPackageManager is benign contention: wait for the holder to finish.
	HeldByPackageManager
	// HeldByUnknownProcess is a holder that is not a package manager.
	HeldByUnknownProcess
	// Orphaned means the file exists but no process holds it.
	Orphaned
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case HeldByPackageManager:
		return "held-by-package-manager"
	case HeldByUnknownProcess:
		return "held-by-unknown-process"
	case Orphaned:
		return "orphaned"
	}
	return "unknown"
}

// Holder is a process with the lock file open.
type Holder struct {
	PID  int32
	Name string
}

// Lock is the observed state of one watched path.
type Lock struct {
	Path    string
	State   State
	Holders []Holder
}

// Classify derives the state of a lock file from its existence and holders.
// A single package-manager holder makes the whole file benign.
func Classify(exists bool, holders []Holder, prefixes []string) State {
	if !exists {
		return Free
	}
	if len(holders) == 0 {
		return Orphaned
	}
	for _, h := range holders {
		if IsPackageManager(h.Name, prefixes) {
			return HeldByPackageManager
		}
	}
	return HeldByUnknownProcess
}

// IsPackageManager reports whether a process name starts with a known
// package-manager prefix.
func IsPackageManager(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func holderNames(hs []Holder) []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Name)
	}
	return out
}
