package analyzer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/grovetools/brain/errors"
)

// Required skills: without these the analyzer cannot produce a valid node,
// so their absence is a fatal startup failure.
var requiredSkills = []string{
	"session-analysis",
}

// Optional skills deepen the analysis but their absence only reduces
// context, recorded on each resulting node.
var optionalSkills = []string{
	"lesson-extraction",
	"friction-signals",
	"connection-hints",
}

// SkillSet is the result of probing the skills root.
type SkillSet struct {
	Available []string
	Missing   []string
}

// CSV renders the available skills for the analyzer's --skills flag.
func (s SkillSet) CSV() string {
	out := ""
	for i, name := range s.Available {
		if i > 0 {
			out += ","
		}
		out += name
	}
	return out
}

// ProbeSkills checks the skills root for required and optional skill files.
// Returns an error only when a required skill is missing.
func (i *Invoker) ProbeSkills() (SkillSet, error) {
	root := i.cfg.SkillsRoot()
	set := SkillSet{}

	for _, name := range requiredSkills {
		if skillExists(root, name) {
			set.Available = append(set.Available, name)
			continue
		}
		return set, errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("required skill %q not found under %s", name, root))
	}

	for _, name := range optionalSkills {
		if skillExists(root, name) {
			set.Available = append(set.Available, name)
		} else {
			set.Missing = append(set.Missing, name)
			i.logger.WithField("skill", name).Warn("Optional skill not found, analysis context reduced")
		}
	}

	i.skillsMu.Lock()
	i.skills = set
	i.skillsMu.Unlock()
	return set, nil
}

// Skills returns the last probed skill set.
func (i *Invoker) Skills() SkillSet {
	i.skillsMu.Lock()
	defer i.skillsMu.Unlock()
	return i.skills
}

func skillExists(root, name string) bool {
	for _, candidate := range []string{
		filepath.Join(root, name+".md"),
		filepath.Join(root, name, "SKILL.md"),
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}
